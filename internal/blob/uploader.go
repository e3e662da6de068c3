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

// Package blob provides attachment blob storage uploaders. The HTTP
// uploader PUTs objects to a storage endpoint, authenticating with OAuth2
// client credentials when configured.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"
)

// Config holds the settings for the HTTP uploader.
type Config struct {
	// Endpoint is the base URL objects are PUT under.
	Endpoint string
	// PublicBaseURL, when set, is used to build the returned URL instead of
	// Endpoint.
	PublicBaseURL string

	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// HTTPUploader uploads attachments with HTTP PUT.
type HTTPUploader struct {
	client    *http.Client
	endpoint  string
	publicURL string
	now       func() time.Time
}

// NewHTTPUploader creates an uploader. When client credentials are
// configured the returned client fetches and refreshes bearer tokens
// automatically.
func NewHTTPUploader(ctx context.Context, cfg Config) (*HTTPUploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob endpoint is required")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if cfg.ClientID != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = creds.Client(ctx)
		client.Timeout = 30 * time.Second
	}

	return newHTTPUploader(client, cfg), nil
}

func newHTTPUploader(client *http.Client, cfg Config) *HTTPUploader {
	return &HTTPUploader{
		client:    client,
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		publicURL: strings.TrimSuffix(firstNonEmpty(cfg.PublicBaseURL, cfg.Endpoint), "/"),
		now:       time.Now,
	}
}

// uploadResponse is the optional JSON body returned by the storage service.
type uploadResponse struct {
	URL string `json:"url"`
}

// Upload stores data under inbound/<yyyy>/<mm>/<uuid>/<filename>.
func (u *HTTPUploader) Upload(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	now := u.now().UTC()
	key := path.Join(
		"inbound",
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		uuid.NewString(),
		url.PathEscape(sanitizeFilename(filename)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.endpoint+"/"+key, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload %s: status %d: %s", filename, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	var r uploadResponse
	if len(body) > 0 && json.Unmarshal(body, &r) == nil && r.URL != "" {
		return r.URL, nil
	}
	return u.publicURL + "/" + key, nil
}

// Discard accepts uploads without storing them and returns no URL.
type Discard struct{}

// Upload implements attachment.Uploader.
func (Discard) Upload(context.Context, []byte, string, string) (string, error) {
	return "", nil
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
