// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package connector wires the conversation engine, chat list and
// notification bridge to a backend described by a Config.
package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatcore/pkg/attachment"
	"github.com/lrhodin/chatcore/pkg/chat"
	"github.com/lrhodin/chatcore/pkg/chatapi"
	"github.com/lrhodin/chatcore/pkg/chatlist"
	"github.com/lrhodin/chatcore/pkg/codec"
	"github.com/lrhodin/chatcore/pkg/dategroup"
	"github.com/lrhodin/chatcore/pkg/engine"
	"github.com/lrhodin/chatcore/pkg/notify"
	"github.com/lrhodin/chatcore/pkg/store"
)

type Options struct {
	// Token overrides api.token_file when set.
	Token string
	// Registerer receives the engine metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	HTTPClient *http.Client
}

type Client struct {
	Config *Config
	log    zerolog.Logger

	API      *chatapi.Client
	Pipeline *attachment.Pipeline
	Store    *store.Store
	Chats    *chatlist.List
	Inbox    *notify.Inbox
	Bridge   *notify.Bridge
	Metrics  *engine.Metrics
	// Engine and Viewer are set by Connect.
	Engine *engine.Engine
	Viewer chat.Profile

	tokenFile *chatapi.TokenFile
	history   *historyStore

	ctx    context.Context
	cancel context.CancelFunc

	stopChan    chan struct{}
	stopOnce    sync.Once
	syncRunning sync.WaitGroup
}

func NewClient(cfg *Config, opts Options, log zerolog.Logger) (*Client, error) {
	c := &Client{
		Config:   cfg,
		log:      log,
		stopChan: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var creds chatapi.Credentials
	onUnauthorized := func() {
		c.log.Warn().Msg("Server rejected the bearer token, session needs to be renewed")
	}
	if opts.Token != "" {
		creds = &chatapi.StaticToken{Token: opts.Token, OnUnauthorized: onUnauthorized}
	} else if cfg.API.TokenFile != "" {
		tf, err := chatapi.OpenTokenFile(cfg.API.TokenFile, log)
		if err != nil {
			c.cancel()
			return nil, fmt.Errorf("failed to open token file: %w", err)
		}
		tf.OnUnauthorized = onUnauthorized
		c.tokenFile = tf
		creds = tf
	} else {
		c.cancel()
		return nil, fmt.Errorf("no token configured: %w", chat.ErrUnauthenticated)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.API.Timeout}
	}
	c.API = chatapi.New(cfg.API.BaseURL, creds,
		chatapi.WithHTTPClient(httpClient),
		chatapi.WithRateLimit(cfg.API.RequestsPerSecond, cfg.API.Burst),
		chatapi.WithLogger(log),
	)
	c.Pipeline = attachment.NewPipeline(c.API, log)
	c.Store = store.New(log)
	c.Chats = chatlist.New(c.API, log)
	c.Inbox = notify.NewInbox(c.API, log)
	c.Bridge = notify.NewBridge(c.API, c.Inbox, c.Chats, log)
	if opts.Registerer != nil {
		c.Metrics = engine.NewMetrics(opts.Registerer)
	}
	return c, nil
}

// Connect resolves the viewer's identity and builds the engine. Nothing that
// decodes messages can run before this, since ownership depends on the
// viewer.
func (c *Client) Connect(ctx context.Context) error {
	me, err := c.API.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch own profile: %w", err)
	}
	c.Viewer = codec.DecodeProfile(*me)
	c.log = c.log.With().Str("viewer_id", c.Viewer.ID).Logger()

	params := engine.Params{
		API:       c.API,
		Store:     c.Store,
		Pipeline:  c.Pipeline,
		ViewerID:  c.Viewer.ID,
		Labels:    dategroup.ForLocale(c.Config.Locale),
		PageLimit: c.Config.Sync.PageLimit,
		Metrics:   c.Metrics,
		OnConversationDeleted: func(conversationID string) {
			c.Chats.Remove(conversationID)
		},
	}
	if c.Config.Cache.Enabled {
		c.history, err = openHistoryStore(ctx, c.Config.Cache.Path)
		if err != nil {
			return err
		}
		params.Cache = c.history
	}
	c.Engine = engine.New(params, c.log)
	c.Chats.OnSelect(c.openSelected)

	if err = c.Chats.Refresh(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to load conversation list")
	}
	if err = c.Inbox.Fetch(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to load notifications")
	}
	c.log.Info().
		Str("username", c.Viewer.Username).
		Int("conversations", len(c.Chats.Items())).
		Int("unread_notifications", c.Inbox.Unread()).
		Msg("Connected")
	return nil
}

func (c *Client) openSelected(conversationID string) {
	if err := c.Engine.Open(c.ctx, conversationID); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to open conversation")
	}
}

// Open selects a conversation in the chat list, which opens it in the
// engine.
func (c *Client) Open(conversationID string) error {
	if c.Engine == nil {
		return fmt.Errorf("client is not connected")
	}
	c.Chats.Select(conversationID)
	if msg := c.Engine.Err(); msg != "" {
		return fmt.Errorf("failed to open conversation: %s", msg)
	}
	return nil
}

func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.cancel()
	c.syncRunning.Wait()
	if c.history != nil {
		if err := c.history.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close history cache")
		}
		c.history = nil
	}
	if c.tokenFile != nil {
		_ = c.tokenFile.Close()
	}
	c.log.Info().Msg("Disconnected")
}
