package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTwilioBaseURL = "https://api.twilio.com"

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
}

// Twilio talks to the Programmable Messaging REST API.
type Twilio struct {
	cfg    TwilioConfig
	client *http.Client
}

var ErrMissingCredentials = errors.New("twilio credentials not configured")

func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Twilio{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type twilioMessage struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Twilio) Send(ctx context.Context, to, body string) (Result, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(t.cfg.BaseURL, "/"), url.PathEscape(t.cfg.AccountSID))

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.cfg.FromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var msg twilioMessage
	_ = json.Unmarshal(raw, &msg)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, MessageID: msg.SID, Status: msg.Status}, nil
	}

	text := msg.Message
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	if msg.Code != 0 {
		text = fmt.Sprintf("%s (code %d)", text, msg.Code)
	}
	if IsTransientStatus(resp.StatusCode) {
		return Result{}, &TransientError{StatusCode: resp.StatusCode, Err: errors.New(text)}
	}
	return Result{Status: "failed", Error: text}, nil
}
