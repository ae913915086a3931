// Package gateway calls the completion relay over HTTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
)

// SendPath is the relay route that accepts a chat history.
const SendPath = "/api/chat/send"

// maxErrorBody caps how much of a failed response is read for the error message.
const maxErrorBody = 4 << 10

var ErrEmptyResponse = errors.New("relay returned an empty response")

// StatusError is returned for non-2xx relay responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("relay returned status %d: %s", e.StatusCode, e.Message)
}

type sendRequest struct {
	Messages []chat.Message `json:"messages"`
}

type sendResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Client posts histories to a relay.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// New returns a Client for the relay at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends messages and returns the relay's reply.
func (c *Client) Complete(ctx context.Context, messages []chat.Message) (string, error) {
	body, err := json.Marshal(sendRequest{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SendPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var payload sendResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return "", &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	var payload sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if payload.Response == "" {
		return "", ErrEmptyResponse
	}
	return payload.Response, nil
}
