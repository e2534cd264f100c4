package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"healthmon/internal/model"
)

type userSettings struct {
	NotificationSettings *model.NotificationSettings `json:"notificationSettings" yaml:"notificationSettings"`
}

type settingsFile struct {
	UserSettings         *userSettings               `json:"user-settings,omitempty" yaml:"user-settings,omitempty"`
	NotificationSettings *model.NotificationSettings `json:"notificationSettings,omitempty" yaml:"notificationSettings,omitempty"`
}

// LoadSettings reads notification settings from path. Both the
// {"user-settings":{"notificationSettings":...}} envelope and a bare
// notificationSettings document are accepted. A missing file yields the
// defaults.
func LoadSettings(path string) (model.NotificationSettings, error) {
	def := model.DefaultNotificationSettings()
	if path == "" {
		return def, nil
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return def, nil
	}

	wrapped := model.DefaultNotificationSettings()
	direct := model.DefaultNotificationSettings()
	doc := settingsFile{
		UserSettings:         &userSettings{NotificationSettings: &wrapped},
		NotificationSettings: &direct,
	}
	if err := decode(trimmed, &doc); err != nil {
		return def, fmt.Errorf("decode settings %s: %w", path, err)
	}
	switch {
	case hasKey(trimmed, "user-settings"):
		if doc.UserSettings != nil && doc.UserSettings.NotificationSettings != nil {
			return doc.UserSettings.NotificationSettings.Clone(), nil
		}
		return def, nil
	case hasKey(trimmed, "notificationSettings"):
		if doc.NotificationSettings != nil {
			return doc.NotificationSettings.Clone(), nil
		}
		return def, nil
	}
	bare := model.DefaultNotificationSettings()
	if err := decode(trimmed, &bare); err != nil {
		return def, fmt.Errorf("decode settings %s: %w", path, err)
	}
	return bare.Clone(), nil
}

// SaveSettings writes settings inside the user-settings envelope.
func SaveSettings(path string, s model.NotificationSettings) error {
	if path == "" {
		return errors.New("settings path is empty")
	}
	s = s.Clone()
	doc := settingsFile{UserSettings: &userSettings{NotificationSettings: &s}}
	data, err := encode(path, doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func hasKey(content, key string) bool {
	return strings.Contains(content, `"`+key+`"`) || strings.Contains(content, key+":")
}

// SettingsManager caches the notification settings snapshot and refreshes it
// when the backing file changes.
type SettingsManager struct {
	path    string
	mu      sync.RWMutex
	current model.NotificationSettings
	modTime time.Time
}

func NewSettingsManager(path string) (*SettingsManager, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	m := &SettingsManager{path: path, current: s}
	m.touch()
	return m, nil
}

// Snapshot returns a copy safe to hold for the duration of one evaluation.
func (m *SettingsManager) Snapshot() model.NotificationSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

func (m *SettingsManager) Path() string {
	return m.path
}

// Update persists s when a path is configured and swaps the snapshot.
func (m *SettingsManager) Update(s model.NotificationSettings) error {
	if m.path != "" {
		if err := SaveSettings(m.path, s); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.current = s.Clone()
	m.mu.Unlock()
	m.touch()
	return nil
}

func (m *SettingsManager) Reload() (model.NotificationSettings, error) {
	s, err := LoadSettings(m.path)
	if err != nil {
		return model.NotificationSettings{}, err
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.touch()
	return s.Clone(), nil
}

func (m *SettingsManager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *SettingsManager) Watch(interval time.Duration, onReload func(model.NotificationSettings), onError func(error), stop <-chan struct{}) {
	watchFile(interval, m.NeedsReload, func() error {
		s, err := m.Reload()
		if err != nil {
			return err
		}
		if onReload != nil {
			onReload(s)
		}
		return nil
	}, onError, stop)
}

func (m *SettingsManager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.mu.Lock()
		m.modTime = info.ModTime()
		m.mu.Unlock()
	}
}
