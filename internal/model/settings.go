package model

type CategoryToggles struct {
	ServiceDown bool `json:"serviceDown" yaml:"serviceDown"`
	HighCPU     bool `json:"highCpu" yaml:"highCpu"`
	HighMemory  bool `json:"highMemory" yaml:"highMemory"`
}

// NotificationSettings is read as an immutable snapshot per evaluation.
type NotificationSettings struct {
	InAppEnabled    bool            `json:"inAppEnabled" yaml:"inAppEnabled"`
	EmailEnabled    bool            `json:"emailEnabled" yaml:"emailEnabled"`
	SMSEnabled      bool            `json:"smsEnabled" yaml:"smsEnabled"`
	AIAssistEnabled bool            `json:"aiAssistEnabled" yaml:"aiAssistEnabled"`
	Categories      CategoryToggles `json:"categories" yaml:"categories"`
	Emails          []string        `json:"emails" yaml:"emails"`
	Phones          []string        `json:"phones" yaml:"phones"`
}

func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{InAppEnabled: true}
}

// Clone returns a copy whose slices do not alias s.
func (s NotificationSettings) Clone() NotificationSettings {
	out := s
	out.Emails = append([]string(nil), s.Emails...)
	out.Phones = append([]string(nil), s.Phones...)
	return out
}
