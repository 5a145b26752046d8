// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chatapi is a client for the chat backend's REST API.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lrhodin/chatcore/pkg/chat"
)

const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read for its message.
const maxErrorBody = 4096

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit limits outgoing requests. A non-positive rps disables the
// limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log.With().Str("component", "chatapi").Logger()
	}
}

type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		creds:   creds,
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        any
	rawBody     io.Reader
	contentType string
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &chat.NetworkError{Op: req.op, Err: err}
	}
	body := req.rawBody
	contentType := req.contentType
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", req.op, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	reqURL := c.baseURL + req.path
	if len(req.query) > 0 {
		reqURL += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", req.op, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.creds != nil {
		token, err := c.creds.BearerToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to get credentials for %s: %w", req.op, err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Debug().Err(err).Str("op", req.op).Msg("Request failed")
		return &chat.NetworkError{Op: req.op, Err: err}
	}
	defer resp.Body.Close()
	c.log.Trace().
		Str("op", req.op).
		Str("method", req.method).
		Str("path", req.path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request finished")

	if resp.StatusCode == http.StatusUnauthorized && c.creds != nil {
		c.creds.Unauthorized()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &chat.ServerError{Op: req.op, Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		// Some mutations answer 204 or an empty 200.
		return nil
	} else if err != nil {
		return &chat.ServerError{Op: req.op, Status: resp.StatusCode, Message: "malformed response"}
	}
	return nil
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		return parsed.Error
	}
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "<") {
		return ""
	}
	return text
}

func (c *Client) Me(ctx context.Context) (*RawProfile, error) {
	var profile RawProfile
	err := c.do(ctx, request{op: "get current user", method: http.MethodGet, path: "/users/me"}, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) Profile(ctx context.Context, userID string) (*RawProfile, error) {
	var profile RawProfile
	err := c.do(ctx, request{
		op:     "get profile",
		method: http.MethodGet,
		path:   "/users/" + url.PathEscape(userID),
	}, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ListMessages fetches a conversation's messages. Zero page or limit lets the
// server pick its defaults.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]RawMessage, error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var raw json.RawMessage
	err := c.do(ctx, request{
		op:     "list messages",
		method: http.MethodGet,
		path:   "/conversations/" + url.PathEscape(conversationID) + "/messages",
		query:  query,
	}, &raw)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	messages, err := decodeList[RawMessage](raw)
	if err != nil {
		return nil, &chat.ServerError{Op: "list messages", Status: http.StatusOK, Message: "malformed response"}
	}
	return messages, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*RawMessage, error) {
	var created RawMessage
	err := c.do(ctx, request{
		op:     "send message",
		method: http.MethodPost,
		path:   "/conversations/" + url.PathEscape(conversationID) + "/messages",
		body:   req,
	}, &created)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) UpdateMessage(ctx context.Context, messageID, text string) (*RawMessage, error) {
	var updated RawMessage
	err := c.do(ctx, request{
		op:     "update message",
		method: http.MethodPatch,
		path:   "/messages/" + url.PathEscape(messageID),
		body:   map[string]string{"text": text},
	}, &updated)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, request{
		op:     "delete message",
		method: http.MethodDelete,
		path:   "/messages/" + url.PathEscape(messageID),
	}, nil)
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, request{
		op:     "delete conversation",
		method: http.MethodDelete,
		path:   "/conversations/" + url.PathEscape(conversationID),
	}, nil)
}

// UploadFile stores a binary payload and returns its content identifier.
func (c *Client) UploadFile(ctx context.Context, name, mimeType string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err = io.Copy(part, data); err != nil {
		return "", fmt.Errorf("failed to buffer upload: %w", err)
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish upload body: %w", err)
	}

	var resp uploadResponse
	err = c.do(ctx, request{
		op:          "upload file",
		method:      http.MethodPost,
		path:        "/files",
		rawBody:     &buf,
		contentType: writer.FormDataContentType(),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ContentID == "" {
		return "", &chat.ServerError{Op: "upload file", Status: http.StatusOK, Message: "no content identifier in response"}
	}
	return resp.ContentID, nil
}

// DownloadURL builds the download reference for a content identifier. It
// never touches the network.
func (c *Client) DownloadURL(contentID string) string {
	return c.baseURL + "/files/" + url.PathEscape(contentID)
}

func (c *Client) Members(ctx context.Context, conversationID string) ([]RawMember, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{
		op:     "list members",
		method: http.MethodGet,
		path:   "/conversations/" + url.PathEscape(conversationID) + "/members",
	}, &raw)
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	members, err := decodeList[RawMember](raw)
	if err != nil {
		return nil, &chat.ServerError{Op: "list members", Status: http.StatusOK, Message: "malformed response"}
	}
	return members, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]RawConversation, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{op: "list conversations", method: http.MethodGet, path: "/users/me/groups"}, &raw)
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	convs, err := decodeList[RawConversation](raw)
	if err != nil {
		return nil, &chat.ServerError{Op: "list conversations", Status: http.StatusOK, Message: "malformed response"}
	}
	return convs, nil
}

func (c *Client) ListNotifications(ctx context.Context, q NotificationQuery) (*NotificationPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(q.Offset))
	if q.Read != nil {
		query.Set("read", strconv.FormatBool(*q.Read))
	}
	var page NotificationPage
	err := c.do(ctx, request{
		op:     "list notifications",
		method: http.MethodGet,
		path:   "/users/me/notifications",
		query:  query,
	}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, request{
		op:     "mark notification read",
		method: http.MethodPatch,
		path:   "/notifications/" + url.PathEscape(notificationID) + "/read",
	}, nil)
}

func (c *Client) JoinGroup(ctx context.Context, groupID, notificationID string) error {
	return c.do(ctx, request{
		op:     "join group",
		method: http.MethodPost,
		path:   "/groups/" + url.PathEscape(groupID) + "/join",
		body:   map[string]string{"notificationId": notificationID},
	}, nil)
}
