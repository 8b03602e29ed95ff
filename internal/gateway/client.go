package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec int
}

// Receipt is the gateway's acknowledgement of an accepted message.
type Receipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type SessionStatus struct {
	Connected bool   `json:"connected"`
	State     string `json:"status"`
}

// NumberCheck is the gateway's answer on whether an address is reachable.
type NumberCheck struct {
	Exists bool   `json:"exists"`
	JID    string `json:"jid"`
	Phone  string `json:"phone"`
}

// Client talks to the messaging gateway over HTTP. Every call is paced by a
// shared rate limiter.
type Client struct {
	mu      sync.Mutex
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "gateway").Logger(),
	}
	c.SetRate(cfg.RatePerSec)
	return c
}

// SetRate replaces the request pacing. Non-positive values fall back to 5 rps.
func (c *Client) SetRate(rps int) {
	if rps <= 0 {
		rps = 5
	}
	c.mu.Lock()
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

func (c *Client) SendText(ctx context.Context, token, to, body string) (*Receipt, error) {
	var rc Receipt
	err := c.do(ctx, "send-text", http.MethodPost, "/send/text", token, map[string]any{
		"phone":   to,
		"message": body,
	}, &rc)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (c *Client) SendImage(ctx context.Context, token, to, mediaURL, caption string) (*Receipt, error) {
	return c.sendMedia(ctx, "send-image", "/send/image", "image", token, to, mediaURL, caption)
}

func (c *Client) SendVideo(ctx context.Context, token, to, mediaURL, caption string) (*Receipt, error) {
	return c.sendMedia(ctx, "send-video", "/send/video", "video", token, to, mediaURL, caption)
}

func (c *Client) SendDocument(ctx context.Context, token, to, mediaURL, caption string) (*Receipt, error) {
	return c.sendMedia(ctx, "send-document", "/send/document", "document", token, to, mediaURL, caption)
}

func (c *Client) sendMedia(ctx context.Context, op, path, field, token, to, mediaURL, caption string) (*Receipt, error) {
	var rc Receipt
	err := c.do(ctx, op, http.MethodPost, path, token, map[string]any{
		"phone":   to,
		field:     mediaURL,
		"caption": caption,
	}, &rc)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// CheckSession reports whether the gateway session behind token is connected.
func (c *Client) CheckSession(ctx context.Context, token string) (*SessionStatus, error) {
	var st SessionStatus
	if err := c.do(ctx, "session-status", http.MethodGet, "/session/status", token, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CheckNumber asks the gateway whether phone is registered on the platform.
func (c *Client) CheckNumber(ctx context.Context, token, phone string) (*NumberCheck, error) {
	var nc NumberCheck
	path := "/contacts/check?phone=" + url.QueryEscape(phone)
	if err := c.do(ctx, "check-number", http.MethodGet, path, token, nil, &nc); err != nil {
		return nil, err
	}
	return &nc, nil
}

func (c *Client) do(ctx context.Context, op, method, path, token string, payload any, out any) error {
	c.mu.Lock()
	lim := c.limiter
	c.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			// Wait also fails early when the deadline cannot fit another token.
			code := transportCode(ctx.Err())
			if code == "" {
				code = CodeTimeout
			}
			return &Error{Op: op, Code: code, Err: err}
		}
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("gateway %s: encode payload: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		code := transportCode(err)
		c.log.Debug().Str("op", op).Str("code", code).Err(err).Msg("gateway request failed")
		return &Error{Op: op, Code: code, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("gateway request")

	if resp.StatusCode >= 300 {
		return &Error{
			Op:      op,
			Status:  resp.StatusCode,
			Body:    string(raw),
			Message: extractMessage(raw),
		}
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("gateway %s: decode response: %w", op, err)
		}
	}
	return nil
}

// extractMessage pulls a human-readable reason out of an error body.
func extractMessage(raw []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		switch e := parsed.Error.(type) {
		case string:
			return e
		case map[string]any:
			if m, ok := e["message"].(string); ok {
				return m
			}
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
