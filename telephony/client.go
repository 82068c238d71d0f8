// Package telephony provides the telephony-provider client used for caller
// lookup, outbound calls and out-of-band SMS delivery.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider is the narrow surface the gateway needs from the telephony
// platform. The platform establishes calls on its own; the gateway only
// resolves callers, places outbound calls and hangs up.
type Provider interface {
	ResolveCallerNumber(ctx context.Context, callID string) (string, error)
	PlaceOutboundCall(ctx context.Context, to, from, streamURL string) (string, error)
	TerminateCall(ctx context.Context, callID string) error
	SendSMS(ctx context.Context, to, from, body string) error
}

// Client is a REST client for the telephony provider.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the telephony client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new telephony client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.AccountSID == "" {
		return nil, fmt.Errorf("account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("auth token is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com/2010-04-01"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// call is the provider's call resource.
type call struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
}

// ResolveCallerNumber fetches the caller's phone number for a call.
func (c *Client) ResolveCallerNumber(ctx context.Context, callID string) (string, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callID)

	var resource call
	if err := c.get(ctx, endpoint, &resource); err != nil {
		return "", fmt.Errorf("failed to fetch call %s: %w", callID, err)
	}
	if resource.Direction == "inbound" {
		return resource.From, nil
	}
	return resource.To, nil
}

// PlaceOutboundCall dials a number and connects it to the media stream URL.
// Returns the new call identifier.
func (c *Client) PlaceOutboundCall(ctx context.Context, to, from, streamURL string) (string, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s"/>
    </Connect>
</Response>`, streamURL)

	data := url.Values{}
	data.Set("To", to)
	data.Set("From", from)
	data.Set("Twiml", twiml)

	var resource call
	if err := c.postForm(ctx, endpoint, data, &resource); err != nil {
		return "", fmt.Errorf("failed to place call: %w", err)
	}
	return resource.SID, nil
}

// TerminateCall hangs up an in-progress call.
func (c *Client) TerminateCall(ctx context.Context, callID string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callID)

	data := url.Values{}
	data.Set("Status", "completed")

	if err := c.postForm(ctx, endpoint, data, nil); err != nil {
		return fmt.Errorf("failed to terminate call %s: %w", callID, err)
	}
	return nil
}

// SendSMS sends a text message through the provider.
func (c *Client) SendSMS(ctx context.Context, to, from, body string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", to)
	data.Set("From", from)
	data.Set("Body", body)

	if err := c.postForm(ctx, endpoint, data, nil); err != nil {
		return fmt.Errorf("failed to send SMS: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, endpoint string, data url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Verify interface compliance at compile time.
var _ Provider = (*Client)(nil)
