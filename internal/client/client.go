// Package client is a Go client for the taskboard HTTP API. Server errors
// come back as apperr sentinels so callers can use errors.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskboard/internal/model"
	"taskboard/internal/pkg/apperr"
	"taskboard/internal/task"
)

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// User is the registration summary returned by the server.
type User struct {
	ID        uint      `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) Register(ctx context.Context, email, password string) (*User, error) {
	var u User
	err := c.do(ctx, nil, http.MethodPost, "/register", map[string]string{"email": email, "password": password}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Login returns a new session for email.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	err := c.do(ctx, nil, http.MethodPost, "/login", map[string]string{"email": email, "password": password}, &s)
	if err != nil {
		return nil, err
	}
	s.Email = strings.ToLower(strings.TrimSpace(email))
	return &s, nil
}

// Exchange redeems a one-time code from the external login redirect.
func (c *Client) Exchange(ctx context.Context, code string) (*Session, error) {
	var s Session
	if err := c.do(ctx, nil, http.MethodPost, "/auth/exchange", map[string]string{"code": code}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) ListTasks(ctx context.Context, s *Session) ([]model.Task, error) {
	tasks := []model.Task{}
	if err := c.do(ctx, s, http.MethodGet, "/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) CreateTask(ctx context.Context, s *Session, in task.CreateInput) (*model.Task, error) {
	var t model.Task
	if err := c.do(ctx, s, http.MethodPost, "/tasks", in, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) UpdateTask(ctx context.Context, s *Session, id uint, in task.UpdateInput) (*model.Task, error) {
	var t model.Task
	if err := c.do(ctx, s, http.MethodPut, taskPath(id), in, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) DeleteTask(ctx context.Context, s *Session, id uint) error {
	return c.do(ctx, s, http.MethodDelete, taskPath(id), nil, nil)
}

func taskPath(id uint) string {
	return "/tasks/" + strconv.FormatUint(uint64(id), 10)
}

// do sends one request. A nil session means an anonymous call; a non-nil
// session must carry a token.
func (c *Client) do(ctx context.Context, s *Session, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if s != nil {
		if s.Token == "" {
			return fmt.Errorf("%w: not logged in", apperr.ErrUnauthenticated)
		}
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return apperr.FromStatus(resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
