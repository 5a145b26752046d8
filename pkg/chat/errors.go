// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a send is attempted while another one is
	// still outstanding in the same conversation.
	ErrBusy = errors.New("another send is already in progress")
	// ErrViewerUnknown is returned when ownership of a message can't be
	// decided because the viewer's identity hasn't been resolved.
	ErrViewerUnknown   = errors.New("viewer identity is not known yet")
	ErrNoConversation  = errors.New("no conversation is open")
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("not authenticated")
)

// NetworkError means the request never got a response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError is a non-2xx response.
type ServerError struct {
	Op      string
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: server returned HTTP %d: %s", e.Op, e.Status, e.Message)
}

type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("failed to acquire recording device: %v", e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload attachment: %v", e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// RefreshError is reported when a mutation succeeded on the server but the
// reload afterwards failed. The mutation is not rolled back.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("could not refresh: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// UserMessage converts err into a short string suitable for an error banner.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrBusy) {
		return "A message is already being sent"
	}
	var (
		validationErr *ValidationError
		deviceErr     *DeviceError
		refreshErr    *RefreshError
		uploadErr     *UploadError
		serverErr     *ServerError
		networkErr    *NetworkError
	)
	switch {
	case errors.As(err, &validationErr):
		return validationErr.Reason
	case errors.As(err, &deviceErr):
		return "Could not access the microphone"
	case errors.As(err, &refreshErr):
		return "Could not refresh messages"
	case errors.As(err, &uploadErr):
		return "Could not upload the file"
	case errors.As(err, &serverErr):
		if serverErr.Message != "" {
			return serverErr.Message
		}
		return fmt.Sprintf("Server error (HTTP %d)", serverErr.Status)
	case errors.As(err, &networkErr):
		return "Could not reach the server"
	case errors.Is(err, ErrNoConversation):
		return "No conversation selected"
	case errors.Is(err, ErrViewerUnknown):
		return "Could not load user data"
	default:
		return err.Error()
	}
}
