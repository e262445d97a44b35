// Package backend is the agent's HTTP client for the recording backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/models"
)

const maxErrorBody = 4 << 10

// StatusError is returned when the backend answers with an unexpected status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Code)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Message)
}

// envelope mirrors the backend response body.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// LoginResult is the data of a successful login.
type LoginResult struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Client talks to the backend. Cookies the backend sets land in the jar the
// client was built with.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for baseURL. jar may be nil; timeout zero means none.
func NewClient(baseURL string, jar http.CookieJar, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: timeout},
		logger:  logger,
	}
}

// CreateRecording posts one recording. The backend confirms with 201; any
// other status is returned as a *StatusError.
func (c *Client) CreateRecording(ctx context.Context, payload models.UploadPayload) error {
	_, err := c.do(ctx, http.MethodPost, "/api/recording/create", payload, http.StatusCreated)
	if err != nil {
		return fmt.Errorf("create recording %s: %w", payload.RecordingID, err)
	}
	return nil
}

// Login authenticates and stores the session cookies in the jar.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body := map[string]string{"email": email, "password": password}
	data, err := c.do(ctx, http.MethodPost, "/api/auth/login", body, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	var res LoginResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("login: decode: %w", err)
	}
	return &res, nil
}

// Logout asks the backend to clear the token cookie.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, http.StatusOK); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int) (json.RawMessage, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode == want {
			// a 201 alone confirms a create; its body carries nothing we need
			if want == http.StatusCreated {
				c.logger.Debug("backend created, body not json", zap.String("path", path), zap.Int("size", len(raw)))
				return nil, nil
			}
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode != want {
		msg := env.Error
		if msg == "" && len(raw) > 0 && len(raw) <= maxErrorBody && env.Data == nil {
			msg = strings.TrimSpace(string(raw))
		}
		c.logger.Debug("backend request rejected", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.String("error", msg))
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return env.Data, nil
}
