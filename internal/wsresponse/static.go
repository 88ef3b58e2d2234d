// Copyright 2015 Matthew Holt and The Caddy Authors
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

package wsresponse

import (
	"bytes"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// fileSource streams a regular file's bytes, read in bounded chunks so the
// reactor's write loop (C8) never blocks on a large read, per spec.md §4.6.
type fileSource struct {
	f *os.File
}

func newFileSource(f *os.File) *fileSource { return &fileSource{f: f} }

func (s *fileSource) Refill(dst *bytes.Buffer, budget int) (bool, error) {
	if budget <= 0 {
		return false, nil
	}
	n, err := io.CopyN(dst, s.f, int64(budget))
	if err == io.EOF || (err == nil && n < int64(budget)) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *fileSource) Close() error { return s.f.Close() }

// resolvePath joins a location's root with the portion of the request path
// beyond the location's prefix, per spec.md §4.6 step 5: "root +
// (request_path − location_prefix)".
func resolvePath(root, locationPrefix, requestPath string) string {
	rel := requestPath
	if len(locationPrefix) > 0 && locationPrefix != "/" {
		rel = requestPath[len(locationPrefix):]
	}
	if rel == "" {
		rel = "/"
	}
	return filepath.Join(root, rel)
}

// contentType resolves a Content-Type by file extension, the narrow
// external contract spec.md §1 allows ("MIME lookup ... used via small
// contracts"). mime.TypeByExtension is the stdlib implementation of exactly
// that contract; no third-party MIME database in the corpus improves on it
// for the handful of extensions a static file server actually needs (see
// DESIGN.md).
func contentType(path string) string {
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
