package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultEndpoint is Expo's push send API.
const DefaultEndpoint = "https://exp.host/--/api/v2/push/send"

// Message is one entry of an Expo send request.
type Message struct {
	To         string         `json:"to"`
	Sound      string         `json:"sound,omitempty"`
	Title      string         `json:"title,omitempty"`
	Body       string         `json:"body,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Sticky     bool           `json:"sticky"`
	Priority   string         `json:"priority,omitempty"`
	CategoryID string         `json:"categoryId,omitempty"`
}

// Ticket is Expo's per-message result, returned in request order.
type Ticket struct {
	Status  string         `json:"status"`
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details *TicketDetails `json:"details,omitempty"`
}

type TicketDetails struct {
	Error string `json:"error,omitempty"`
}

// DeviceNotRegistered marks a token the provider will never accept again.
const DeviceNotRegistered = "DeviceNotRegistered"

func (t Ticket) deviceGone() bool {
	return t.Status == "error" && t.Details != nil && t.Details.Error == DeviceNotRegistered
}

// Client posts batches to the Expo push API.
type Client struct {
	endpoint    string
	accessToken string
	hc          *http.Client
}

func NewClient(endpoint, accessToken string, hc *http.Client) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{endpoint: endpoint, accessToken: accessToken, hc: hc}
}

type sendResponse struct {
	Data []Ticket `json:"data"`
}

// Send delivers one batch. Transport failures, non-2xx responses and
// undecodable bodies are all returned as errors.
func (c *Client) Send(ctx context.Context, msgs []Message) ([]Ticket, error) {
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("push provider: http %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("push provider: decode response: %w", err)
	}
	return out.Data, nil
}
