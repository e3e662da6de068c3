// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attachment extracts binary parts from an inbound payload, hands
// them to blob storage and returns stable descriptors. A part that cannot
// be read is skipped; it never fails the message.
package attachment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/bcem/inbound/internal/models"
)

// DefaultMaxSize is the largest attachment accepted, in bytes.
const DefaultMaxSize = 25 << 20

// DefaultMaxCount is the most attachments processed per message.
const DefaultMaxCount = 50

// MaxDeclared is the ceiling applied to a provider-declared attachment
// count before any processing.
const MaxDeclared = 1000

const fallbackContentType = "application/octet-stream"

// Uploader stores attachment bytes and returns a retrievable URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename, contentType string) (string, error)
}

// SkipRecorder is notified for every skipped part (metrics hook).
type SkipRecorder func(reason string)

// Pipeline turns declared payload parts into attachment descriptors.
type Pipeline struct {
	uploader Uploader
	maxSize  int64
	maxCount int
	onSkip   SkipRecorder
}

// PipelineConfig holds the configuration for the attachment pipeline.
type PipelineConfig struct {
	Uploader Uploader
	MaxSize  int64
	MaxCount int
	OnSkip   SkipRecorder
}

// NewPipeline creates an attachment pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		uploader: cfg.Uploader,
		maxSize:  cfg.MaxSize,
		maxCount: cfg.MaxCount,
		onSkip:   cfg.OnSkip,
	}
	if p.maxSize <= 0 {
		p.maxSize = DefaultMaxSize
	}
	if p.maxCount <= 0 {
		p.maxCount = DefaultMaxCount
	}
	return p
}

// Process handles parts attachment1..attachment<declared>, up to the
// configured count. Per-part metadata from info is preferred; missing
// fields fall back to the part itself. Unreadable parts are logged and
// skipped.
func (p *Pipeline) Process(ctx context.Context, declared int, info map[string]Info, parts map[string]Part) []models.AttachmentDescriptor {
	if declared <= 0 || len(parts) == 0 {
		return nil
	}

	limit := min(declared, p.maxCount)
	if declared > limit {
		slog.Warn("declared attachments over limit, extra parts ignored",
			"declared", declared,
			"limit", limit,
		)
		p.record("over_limit")
	}

	var out []models.AttachmentDescriptor
	found := 0
	for i := 1; i <= limit && found < len(parts); i++ {
		key := fmt.Sprintf("attachment%d", i)

		part, ok := parts[key]
		if !ok || part == nil {
			p.skip(key, "missing", nil)
			continue
		}
		found++

		data, err := p.read(part)
		if err != nil {
			p.skip(key, "unreadable", err)
			continue
		}

		desc := describe(key, info[key], part, data)

		if p.uploader != nil {
			url, err := p.uploader.Upload(ctx, data, desc.Filename, desc.ContentType)
			if err != nil {
				slog.Warn("attachment upload failed, keeping descriptor without url",
					"attachment", key,
					"filename", desc.Filename,
					"error", err,
				)
			} else {
				desc.URL = url
			}
		}

		out = append(out, desc)
	}
	return out
}

func (p *Pipeline) read(part Part) ([]byte, error) {
	rc, err := part.Open()
	if err != nil {
		return nil, fmt.Errorf("open part: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, p.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read part: %w", err)
	}
	if int64(len(data)) > p.maxSize {
		return nil, fmt.Errorf("part exceeds %d bytes", p.maxSize)
	}
	return data, nil
}

func (p *Pipeline) skip(key, reason string, err error) {
	slog.Warn("skipping attachment", "attachment", key, "reason", reason, "error", err)
	p.record(reason)
}

func (p *Pipeline) record(reason string) {
	if p.onSkip != nil {
		p.onSkip(reason)
	}
}

// describe builds a descriptor, falling back from provider metadata to the
// part's own filename and content type, then to content sniffing.
func describe(key string, meta Info, part Part, data []byte) models.AttachmentDescriptor {
	filename := firstNonEmpty(meta.Filename, meta.Name, part.Filename(), key)

	contentType := firstNonEmpty(meta.Type, part.ContentType())
	if contentType == "" {
		contentType = byExtension(filename)
	}
	if contentType == "" || contentType == fallbackContentType {
		if sniffed := mimetype.Detect(data).String(); sniffed != "" {
			contentType = sniffed
		}
	}
	if contentType == "" {
		contentType = fallbackContentType
	}

	cid := strings.TrimSpace(meta.ContentID)
	cid = strings.TrimSuffix(strings.TrimPrefix(cid, "<"), ">")

	return models.AttachmentDescriptor{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		ContentID:   cid,
		Inline:      cid != "",
	}
}

func byExtension(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return ""
	}
	t := mime.TypeByExtension(ext)
	if base, _, err := mime.ParseMediaType(t); err == nil {
		return base
	}
	return t
}

// ReplaceInlineCIDs rewrites cid: references in html to the uploaded URLs
// of the matching inline attachments.
func ReplaceInlineCIDs(html string, attachments []models.AttachmentDescriptor) string {
	if html == "" {
		return html
	}
	for _, a := range attachments {
		if a.ContentID == "" || a.URL == "" {
			continue
		}
		html = strings.ReplaceAll(html, "cid:"+a.ContentID, a.URL)
	}
	return html
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
