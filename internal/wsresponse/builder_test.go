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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepple42/42-webserv/internal/reqparse"
	"github.com/hepple42/42-webserv/internal/wsconfig"
)

func newReq(t *testing.T, method wsconfig.Method, path string, loc *wsconfig.Location, block *wsconfig.ServerBlock) *reqparse.Request {
	t.Helper()
	req := &reqparse.Request{
		Method:   method,
		Path:     path,
		RawPath:  path,
		Location: loc,
		Server:   block,
	}
	return req
}

func TestBuilder_StaticFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644))

	loc := &wsconfig.Location{Path: "/", Root: dir}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodGet, "/hello.txt", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, SourceFileStream, resp.SourceKind)
	assert.EqualValues(t, 11, resp.ContentLength)

	var buf bytes.Buffer
	eof, err := resp.Source.Refill(&buf, 1024)
	require.NoError(t, err)
	assert.True(t, eof)
	assert.Equal(t, "hello world", buf.String())
}

func TestBuilder_StaticFileNotFound(t *testing.T) {
	dir := t.TempDir()
	loc := &wsconfig.Location{Path: "/", Root: dir}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodGet, "/missing.txt", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
}

func TestBuilder_HeadSuppressesBody(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644))

	loc := &wsconfig.Location{Path: "/", Root: dir}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodHead, "/hello.txt", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.True(t, resp.SuppressBody)
	assert.EqualValues(t, 11, resp.ContentLength)
}

func TestBuilder_DirectoryIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	loc := &wsconfig.Location{Path: "/", Root: dir, Index: "index.html"}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodGet, "/", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, SourceFileStream, resp.SourceKind)
}

func TestBuilder_DirectoryAutoindex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644))

	loc := &wsconfig.Location{Path: "/", Root: dir, Autoindex: true}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodGet, "/", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, SourceInMemory, resp.SourceKind)

	var buf bytes.Buffer
	_, err = resp.Source.Refill(&buf, 4096)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "a.txt")
	assert.Contains(t, buf.String(), "b.txt")
}

func TestBuilder_DirectoryNoIndexNoAutoindexIs403(t *testing.T) {
	dir := t.TempDir()
	loc := &wsconfig.Location{Path: "/", Root: dir}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodGet, "/", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.Status)
}

func TestBuilder_Redirect(t *testing.T) {
	loc := &wsconfig.Location{Path: "/old", Redirect: &wsconfig.Redirect{Status: 301, URL: "/new"}}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodGet, "/old", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 301, resp.Status)

	loc1, ok := headerValue(resp, "Location")
	require.True(t, ok)
	assert.Equal(t, "/new", loc1)
}

func TestBuilder_Delete(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "doomed.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	loc := &wsconfig.Location{Path: "/", Root: dir}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodDelete, "/doomed.txt", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuilder_DeleteMissingIs404(t *testing.T) {
	dir := t.TempDir()
	loc := &wsconfig.Location{Path: "/", Root: dir}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodDelete, "/nothing.txt", loc, block)

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
}

func TestBuilder_Upload(t *testing.T) {
	dir := t.TempDir()
	loc := &wsconfig.Location{Path: "/uploads", UploadPath: dir}
	block := &wsconfig.ServerBlock{}
	req := newReq(t, wsconfig.MethodPost, "/uploads", loc, block)
	req.Body = []byte("payload")

	b := New(nil)
	resp, err := b.Build(req, nil)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	contents, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(contents))
}

func TestResponse_SetConnectionForcesCloseOn4xx(t *testing.T) {
	resp := NewError(404, ServerHeader, time.Now(), nil, nil)
	resp.SetConnection(true)
	assert.False(t, resp.KeepAlive())
}

func TestResponse_SetConnectionHonoursKeepAlive(t *testing.T) {
	resp := New(200, ServerHeader, time.Now())
	resp.SetConnection(true)
	assert.True(t, resp.KeepAlive())
}

func TestContentType_KnownAndUnknownExtensions(t *testing.T) {
	assert.Equal(t, "text/html; charset=utf-8", contentType("/a/b/index.html"))
	assert.Equal(t, "application/octet-stream", contentType("/a/b/file.unknownext"))
}

func TestResolvePath_StripsLocationPrefix(t *testing.T) {
	assert.Equal(t, filepath.Join("/srv", "users", "42"), resolvePath("/srv", "/api", "/api/users/42"))
	assert.Equal(t, filepath.Join("/srv", "index.html"), resolvePath("/srv", "/", "/index.html"))
}

func headerValue(r *Response, name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}
