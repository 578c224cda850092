// Package api is the REST client for the relay's HTTP API.
//
// Every call returns the HTTP status code. 200 and 201 are success; any
// other code is a failure the caller is expected to degrade around. A non-nil
// error means no usable response was received at all.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cipherchat/internal/chat"
)

// ---------------------------------------------
// Wire types
// ---------------------------------------------

type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	FullName  string `json:"full_name,omitempty"`
	PublicKey string `json:"public_key,omitempty"` // PEM
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string  `json:"access_token"`
	ID          chat.ID `json:"id"`
	Username    string  `json:"username"`
}

type CreateChatRequest struct {
	Name    string    `json:"name"`
	IsGroup bool      `json:"is_group"`
	Members []chat.ID `json:"members"`
}

// ChatKeys maps member user id to PEM public key.
type ChatKeys map[string]string

// IsSuccess reports whether status is one of the codes the API uses for
// success.
func IsSuccess(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated
}

// ---------------------------------------------
// Client
// ---------------------------------------------

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the API rooted at baseURL. A nil httpClient gets
// a default with a 15s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (int, error) {
	return c.do(ctx, http.MethodPost, "/register", "", req, nil)
}

func (c *Client) Login(ctx context.Context, username, password string) (int, LoginResponse, error) {
	var res LoginResponse
	status, err := c.do(ctx, http.MethodPost, "/login", "", LoginRequest{Username: username, Password: password}, &res)
	return status, res, err
}

func (c *Client) Logout(ctx context.Context, token string) (int, error) {
	return c.do(ctx, http.MethodPost, "/api/logout", token, nil, nil)
}

func (c *Client) FetchChats(ctx context.Context, token string) (int, []chat.Summary, error) {
	var chats []chat.Summary
	status, err := c.do(ctx, http.MethodGet, "/api/chats", token, nil, &chats)
	return status, chats, err
}

func (c *Client) FetchChatDetail(ctx context.Context, token string, chatID chat.ID) (int, chat.Summary, error) {
	var s chat.Summary
	status, err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID.String()), token, nil, &s)
	return status, s, err
}

func (c *Client) CreateChat(ctx context.Context, token, name string, isGroup bool, members []chat.ID) (int, chat.Summary, error) {
	var s chat.Summary
	req := CreateChatRequest{Name: name, IsGroup: isGroup, Members: members}
	status, err := c.do(ctx, http.MethodPost, "/api/chats", token, req, &s)
	return status, s, err
}

func (c *Client) MarkChatRead(ctx context.Context, token string, chatID chat.ID) (int, error) {
	return c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID.String())+"/read", token, nil, nil)
}

// FetchChatKeys returns the public keys of every member of a chat, which is
// what a sender needs to seal an envelope.
func (c *Client) FetchChatKeys(ctx context.Context, token string, chatID chat.ID) (int, ChatKeys, error) {
	var keys ChatKeys
	status, err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID.String())+"/keys", token, nil, &keys)
	return status, keys, err
}

func (c *Client) SendMessage(ctx context.Context, token string, chatID chat.ID, env chat.Envelope) (int, error) {
	return c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID.String())+"/messages", token, env, nil)
}

// FetchMessages returns the most recent envelopes of a chat, oldest first.
func (c *Client) FetchMessages(ctx context.Context, token string, chatID chat.ID) (int, []chat.InboundMessage, error) {
	var msgs []chat.InboundMessage
	status, err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID.String())+"/messages", token, nil, &msgs)
	return status, msgs, err
}

func (c *Client) FetchUserInfo(ctx context.Context, token string, userID chat.ID) (int, chat.UserInfo, error) {
	var u chat.UserInfo
	status, err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID.String()), token, nil, &u)
	return status, u, err
}

func (c *Client) SearchUsers(ctx context.Context, token, query string) (int, []chat.UserInfo, error) {
	var users []chat.UserInfo
	status, err := c.do(ctx, http.MethodGet, "/api/users/search?q="+url.QueryEscape(query), token, nil, &users)
	return status, users, err
}

// do sends one request. The response body is decoded into out only on
// success.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("api: encoding %s %s: %w", method, path, err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, fmt.Errorf("api: building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if !IsSuccess(resp.StatusCode) || out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("api: decoding %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
