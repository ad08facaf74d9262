// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram is a minimal client of the Telegram Bot API.
//
// See https://core.telegram.org/bots/api.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/scriptgate/internal/request"
	"go.astrophena.name/scriptgate/internal/secret"
	"go.astrophena.name/scriptgate/internal/tgmarkup"
	"go.astrophena.name/scriptgate/internal/util/syncx"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Bot API endpoint used when Client.BaseURL is empty.
const DefaultBaseURL = "https://api.telegram.org"

// MaxMessageLength is the maximum length of a message text in UTF-16 code
// units. Longer messages are sent in parts.
const MaxMessageLength = 4096

const maxRetries = 5

// Client talks to the Bot API on behalf of one bot.
type Client struct {
	// Token is the bot credential. It is part of every request URL.
	Token secret.Value
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// HTTPClient is used to make requests. If nil, request.DefaultClient is
	// used.
	HTTPClient *http.Client
	// Scrubber removes secrets from returned errors. If nil, only Token is
	// scrubbed.
	Scrubber *strings.Replacer
	// Limiter throttles sent messages. If nil, messages are limited to 30
	// per second.
	Limiter *rate.Limiter

	limiter  syncx.Lazy[*rate.Limiter]
	scrubber syncx.Lazy[*strings.Replacer]
	sleep    func(context.Context, time.Duration) error // for tests
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat is a conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message is an incoming message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// Update is an incoming update. Only message updates are decoded.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// APIError is an unsuccessful Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
	// RetryAfter is set when the request was throttled.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

type response[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// GetMe returns the bot the token belongs to.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	return call[*User](ctx, c, http.MethodGet, "getMe", nil)
}

// SetWebhook asks Telegram to deliver updates to url. Deliveries carry
// secretToken in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string) error {
	_, err := call[bool](ctx, c, http.MethodPost, "setWebhook", map[string]string{
		"url":          url,
		"secret_token": secretToken,
	})
	return err
}

// DeleteWebhook switches the bot back to getUpdates.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := call[bool](ctx, c, http.MethodPost, "deleteWebhook", nil)
	return err
}

// GetUpdates long polls for updates with IDs starting from offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	return call[[]Update](ctx, c, http.MethodPost, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message"},
	})
}

type sendMessageRequest struct {
	ChatID int64 `json:"chat_id"`
	tgmarkup.Message
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

// SendMessage sends msg to a chat, splitting it into several messages if it
// is longer than MaxMessageLength.
func (c *Client) SendMessage(ctx context.Context, chatID int64, msg tgmarkup.Message) error {
	for _, part := range msg.Split(MaxMessageLength) {
		if err := c.limiter.Get(c.newLimiter).Wait(ctx); err != nil {
			return err
		}
		req := sendMessageRequest{ChatID: chatID, Message: part}
		req.LinkPreviewOptions.IsDisabled = true
		if _, err := call[json.RawMessage](ctx, c, http.MethodPost, "sendMessage", req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) newLimiter() *rate.Limiter {
	if c.Limiter != nil {
		return c.Limiter
	}
	return rate.NewLimiter(rate.Every(time.Second/30), 1)
}

func call[T any](ctx context.Context, c *Client, httpMethod, method string, body any) (T, error) {
	var zero T
	scrubber := c.scrubber.Get(func() *strings.Replacer {
		if c.Scrubber != nil {
			return c.Scrubber
		}
		return secret.Scrubber(c.Token)
	})
	baseURL := strings.TrimSuffix(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	for attempt := 1; ; attempt++ {
		resp, err := request.Make[response[T]](ctx, request.Params{
			Method:     httpMethod,
			URL:        baseURL + "/bot" + c.Token.Reveal() + "/" + method,
			Body:       body,
			HTTPClient: c.HTTPClient,
			Scrubber:   scrubber,
		})
		if err == nil && resp.OK {
			return resp.Result, nil
		}

		apiErr := asAPIError(method, resp, err)
		if apiErr == nil {
			return zero, err
		}
		if apiErr.Code != http.StatusTooManyRequests || attempt == maxRetries {
			return zero, apiErr
		}
		if err := c.wait(ctx, apiErr.RetryAfter); err != nil {
			return zero, err
		}
	}
}

// asAPIError extracts the Bot API error from an unsuccessful response. It
// returns nil if the failure was not reported by the Bot API.
func asAPIError[T any](method string, resp response[T], err error) *APIError {
	if err != nil {
		var se *request.StatusError
		if !errors.As(err, &se) {
			return nil
		}
		resp = response[T]{}
		if json.Unmarshal(se.Body, &resp) != nil || resp.ErrorCode == 0 {
			return &APIError{Method: method, Code: se.StatusCode, Description: http.StatusText(se.StatusCode)}
		}
	}
	apiErr := &APIError{Method: method, Code: resp.ErrorCode, Description: resp.Description}
	if resp.Parameters != nil {
		apiErr.RetryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
	}
	return apiErr
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
