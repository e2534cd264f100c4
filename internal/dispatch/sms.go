package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"healthmon/internal/config"
	"healthmon/internal/model"
)

// SMS posts to a textbelt-compatible endpoint, one request per number.
type SMS struct {
	url    string
	key    string
	client *http.Client
}

type smsRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
	Key     string `json:"key"`
}

type smsResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func NewSMS(cfg config.SMSConfig) *SMS {
	return &SMS{
		url:    cfg.URL,
		key:    cfg.Key,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *SMS) Name() string { return "sms" }

func (s *SMS) Accepts(d model.Delivery) bool {
	return d.SMS && len(d.Phones) > 0
}

// Send tries every number and joins the failures.
func (s *SMS) Send(ctx context.Context, d model.Delivery) error {
	text := Body(d)
	var errs []error
	for _, number := range d.Phones {
		if err := s.sendOne(ctx, number, text); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", number, err))
		}
	}
	return errors.Join(errs...)
}

func (s *SMS) sendOne(ctx context.Context, number, text string) error {
	body, err := json.Marshal(smsRequest{Number: number, Message: text, Key: s.key})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("textbelt status %d: %s", resp.StatusCode, string(msg))
	}
	var out smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode textbelt response: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "unknown error"
		}
		return fmt.Errorf("textbelt rejected message: %s", out.Error)
	}
	return nil
}

func (s *SMS) Close() error { return nil }
