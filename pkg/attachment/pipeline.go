// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package attachment uploads binary payloads and builds download references
// for the content identifiers the backend hands out.
package attachment

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"

	"github.com/lrhodin/chatcore/pkg/chat"
)

const (
	defaultFileName = "file"
	defaultMIME     = "application/octet-stream"
)

// Uploader is the part of the REST client the pipeline needs.
type Uploader interface {
	UploadFile(ctx context.Context, name, mimeType string, data io.Reader) (string, error)
	DownloadURL(contentID string) string
}

// Payload is a binary attachment waiting to be uploaded.
type Payload struct {
	Name string
	MIME string
	Data []byte
}

func (p *Payload) Size() int64 {
	return int64(len(p.Data))
}

type Result struct {
	ContentID string
	Name      string
	MIME      string
	Size      int64
	// Image is set when the payload decoded as an image.
	Image *ImageInfo
}

type Pipeline struct {
	api Uploader
	log zerolog.Logger
}

func NewPipeline(api Uploader, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		api: api,
		log: log.With().Str("component", "attachment").Logger(),
	}
}

// Prepare fills in the name and MIME type the same way Upload would, without
// uploading anything.
func Prepare(payload Payload) Payload {
	payload.MIME = Sniff(payload.Data, payload.MIME)
	if payload.Name == "" {
		payload.Name = defaultFileName
	}
	if filepath.Ext(payload.Name) == "" {
		payload.Name += exmime.ExtensionFromMimetype(payload.MIME)
	}
	return payload
}

// Upload stores the payload and returns its content identifier. Every
// failure is reported as *chat.UploadError.
func (p *Pipeline) Upload(ctx context.Context, payload Payload) (*Result, error) {
	if len(payload.Data) == 0 {
		return nil, &chat.UploadError{Err: &chat.ValidationError{Field: "attachment", Reason: "File is empty"}}
	}
	payload = Prepare(payload)
	res := &Result{
		Name: payload.Name,
		MIME: payload.MIME,
		Size: payload.Size(),
	}
	if strings.HasPrefix(payload.MIME, "image/") {
		if info, ok := ProbeImage(payload.Data); ok {
			res.Image = &info
		}
	}

	log := p.log.With().
		Str("file_name", res.Name).
		Str("mime_type", res.MIME).
		Int64("size", res.Size).
		Logger()
	contentID, err := p.api.UploadFile(ctx, payload.Name, payload.MIME, bytes.NewReader(payload.Data))
	if err != nil {
		log.Warn().Err(err).Msg("Attachment upload failed")
		return nil, &chat.UploadError{Err: err}
	}
	res.ContentID = contentID
	log.Debug().Str("content_id", contentID).Msg("Uploaded attachment")
	return res, nil
}

// DownloadReference is a pure function of the content identifier.
func (p *Pipeline) DownloadReference(contentID string) string {
	return p.api.DownloadURL(contentID)
}
