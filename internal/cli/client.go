package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"labyrinth/internal/auth"
)

// Client is a thin HTTP client for the orchestrator API. Admin calls
// are signed with the same shared secret the sensor layer uses.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient() *Client {
	baseURL := os.Getenv("LABYRINTH_ADDR")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: baseURL,
		secret:  os.Getenv("AUTH_HMAC_SECRET"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out, false)
}

func (c *Client) PostSigned(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out, true)
}

func (c *Client) PutSigned(path string, body, out any) error {
	return c.do(http.MethodPut, path, body, out, true)
}

func (c *Client) DeleteUnsigned(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out, false)
}

func (c *Client) do(method, path string, body, out any, signed bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.secret == "" {
			return fmt.Errorf("AUTH_HMAC_SECRET is not set; required for admin commands")
		}
		sig, ts := auth.SignRequest(c.secret, payload)
		req.Header.Set(auth.HeaderSignature, sig)
		req.Header.Set(auth.HeaderTimestamp, ts)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
