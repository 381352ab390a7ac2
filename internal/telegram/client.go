// Package telegram is a minimal Bot API client covering the calls the bot
// makes: messages, forum topics, pins and long-polled updates.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultAPIRoot is the public Bot API endpoint.
const DefaultAPIRoot = "https://api.telegram.org"

// APIError is a request the Bot API answered with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client talks to the Bot API over HTTPS.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for token. An empty apiRoot selects DefaultAPIRoot.
func New(apiRoot, token string) *Client {
	if strings.TrimSpace(apiRoot) == "" {
		apiRoot = DefaultAPIRoot
	}
	return &Client{
		baseURL: strings.TrimRight(apiRoot, "/") + "/bot" + token,
		// Long polls are bounded by the request context, not a client timeout.
		httpClient: &http.Client{Timeout: 0},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	var base apiResponse
	if err := json.Unmarshal(respBody, &base); err != nil {
		return fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if !base.OK {
		code := base.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: base.Description}
	}
	if out != nil && len(base.Result) > 0 {
		if err := json.Unmarshal(base.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// User is the subset of a Bot API user the bot reads.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

// Chat is the subset of a Bot API chat the bot reads.
type Chat struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	IsForum bool   `json:"is_forum"`
}

// Message is an inbound or sent message.
type Message struct {
	MessageID       int64  `json:"message_id"`
	MessageThreadID int64  `json:"message_thread_id"`
	IsTopicMessage  bool   `json:"is_topic_message"`
	From            *User  `json:"from"`
	Chat            Chat   `json:"chat"`
	Text            string `json:"text"`
}

// Update is one getUpdates entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// GetMe verifies the token and returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var u User
	if err := c.call(ctx, "getMe", struct{}{}, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

type sendMessageRequest struct {
	ChatID          int64  `json:"chat_id"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
	Text            string `json:"text"`
	ParseMode       string `json:"parse_mode,omitempty"`
}

// SendMessage posts text to a chat thread. threadID 0 targets the chat's
// default thread. parseMode may be "", "Markdown" or "HTML".
func (c *Client) SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string) (Message, error) {
	var m Message
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:          chatID,
		MessageThreadID: threadID,
		Text:            text,
		ParseMode:       parseMode,
	}, &m)
	return m, err
}

// SendText posts plain text and discards the sent message.
func (c *Client) SendText(ctx context.Context, chatID, threadID int64, text string) error {
	_, err := c.SendMessage(ctx, chatID, threadID, text, "")
	return err
}

type forumTopic struct {
	MessageThreadID int64  `json:"message_thread_id"`
	Name            string `json:"name"`
}

// CreateTopic creates a forum topic and returns its thread id.
func (c *Client) CreateTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	var t forumTopic
	err := c.call(ctx, "createForumTopic", map[string]any{"chat_id": chatID, "name": name}, &t)
	if err != nil {
		return 0, err
	}
	return t.MessageThreadID, nil
}

// EditTopicName renames a forum topic.
func (c *Client) EditTopicName(ctx context.Context, chatID, threadID int64, name string) error {
	return c.call(ctx, "editForumTopic", map[string]any{
		"chat_id":           chatID,
		"message_thread_id": threadID,
		"name":              name,
	}, nil)
}

// PinMessage pins a message without notifying members.
func (c *Client) PinMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              chatID,
		"message_id":           messageID,
		"disable_notification": true,
	}, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]any{"chat_id": chatID, "message_id": messageID}, nil)
}

// GetUpdates long-polls for updates with ids >= offset. timeout is the
// server-side wait in seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	payload := map[string]any{
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}
