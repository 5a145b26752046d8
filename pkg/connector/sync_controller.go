// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// syncRetryInterval replaces the poll interval after a failed pass, so a
// flaky connection doesn't wait a full poll period before recovering.
const syncRetryInterval = 5 * time.Second

// StartSyncController reloads the open conversation, the chat list and the
// notifications every sync.poll_interval until Disconnect is called.
func (c *Client) StartSyncController() {
	log := c.log.With().Str("component", "sync").Logger()
	if c.Config.Sync.PollInterval <= 0 {
		log.Info().Msg("Polling disabled, only reloading after actions")
		return
	}
	log.Info().Dur("interval", c.Config.Sync.PollInterval).Msg("Starting sync controller goroutine")
	c.syncRunning.Add(1)
	go c.runSyncController(log)
}

func (c *Client) runSyncController(log zerolog.Logger) {
	defer c.syncRunning.Done()
	delay := c.Config.Sync.PollInterval
	for {
		select {
		case <-time.After(delay):
		case <-c.stopChan:
			log.Info().Msg("Sync controller stopped")
			return
		}
		start := time.Now()
		if err := c.syncOnce(c.ctx, log); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			delay = min(syncRetryInterval, c.Config.Sync.PollInterval)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Sync pass failed")
			continue
		}
		delay = c.Config.Sync.PollInterval
		log.Debug().Dur("elapsed", time.Since(start)).Msg("Sync pass complete")
	}
}

// syncOnce runs a single pass. Every step runs even if an earlier one
// failed; the errors are joined.
func (c *Client) syncOnce(ctx context.Context, log zerolog.Logger) error {
	var errs []error
	if c.Engine != nil && c.Store.ConversationID() != "" {
		if err := c.Engine.Reload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Chats.Refresh(ctx); err != nil {
		errs = append(errs, err)
	} else if err = c.Chats.LoadPreviews(ctx); err != nil {
		log.Debug().Err(err).Msg("Some conversation previews failed to load")
	}
	if err := c.Inbox.Fetch(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
