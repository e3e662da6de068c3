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

package attachment

import (
	"bytes"
	"io"
	"mime/multipart"
)

// Info is the per-attachment metadata the provider sends in the
// attachment-info JSON map, keyed by form field name.
type Info struct {
	Filename  string `json:"filename"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	ContentID string `json:"content-id"`
}

// Part is one binary attachment part of an inbound payload.
type Part interface {
	Filename() string
	ContentType() string
	Open() (io.ReadCloser, error)
}

// FilePart adapts an uploaded multipart file.
type FilePart struct {
	Header *multipart.FileHeader
}

func (p FilePart) Filename() string { return p.Header.Filename }

func (p FilePart) ContentType() string { return p.Header.Header.Get("Content-Type") }

func (p FilePart) Open() (io.ReadCloser, error) { return p.Header.Open() }

// BytesPart is an attachment already held in memory, e.g. extracted from a
// raw MIME message.
type BytesPart struct {
	Name string
	Type string
	Data []byte
}

func (p BytesPart) Filename() string { return p.Name }

func (p BytesPart) ContentType() string { return p.Type }

func (p BytesPart) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p.Data)), nil
}
