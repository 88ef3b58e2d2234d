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

package wscgi

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepple42/42-webserv/internal/reqparse"
	"github.com/hepple42/42-webserv/internal/wsconfig"
)

func envMap(t *testing.T, kv []string) map[string]string {
	t.Helper()
	m := make(map[string]string, len(kv))
	for _, entry := range kv {
		k, v, ok := strings.Cut(entry, "=")
		require.True(t, ok, "malformed env entry %q", entry)
		m[k] = v
	}
	return m
}

func TestBuildEnv_RequiredVariables(t *testing.T) {
	local, err := wsconfig.NewAddress(net.ParseIP("127.0.0.1"), 8080)
	require.NoError(t, err)
	peer, err := wsconfig.NewAddress(net.ParseIP("10.0.0.5"), 54321)
	require.NoError(t, err)

	req := &reqparse.Request{
		Method:        wsconfig.MethodPost,
		Path:          "/cgi-bin/echo.cgi",
		RawQuery:      "x=1&y=2",
		Host:          "example.com",
		ContentLength: 42,
		Headers: map[string][]string{
			"CONTENT-TYPE": {"application/x-www-form-urlencoded"},
			"ACCEPT":       {"text/html"},
			"USER-AGENT":   {"test-agent/1.0"},
		},
	}

	kv := buildEnv(req, "/srv/cgi-bin/echo.cgi", "/extra/path", "/usr/bin/python3", local, peer)
	env := envMap(t, kv)

	assert.Equal(t, "CGI/1.1", env["GATEWAY_INTERFACE"])
	assert.Equal(t, "application/x-www-form-urlencoded", env["CONTENT_TYPE"])
	assert.Equal(t, "42", env["CONTENT_LENGTH"])
	assert.Equal(t, "text/html", env["HTTP_ACCEPT"])
	assert.Equal(t, "test-agent/1.0", env["HTTP_USER_AGENT"])
	assert.Equal(t, "/extra/path", env["PATH_INFO"])
	assert.Equal(t, "/srv/cgi-bin/echo.cgi", env["PATH_TRANSLATED"])
	assert.Equal(t, "x=1&y=2", env["QUERY_STRING"])
	assert.Equal(t, "10.0.0.5", env["REMOTE_ADDR"])
	assert.Equal(t, "10.0.0.5", env["REMOTE_HOST"])
	assert.Equal(t, "POST", env["REQUEST_METHOD"])
	assert.Equal(t, "/cgi-bin/echo.cgi", env["SCRIPT_NAME"])
	assert.Equal(t, "example.com", env["SERVER_NAME"])
	assert.Equal(t, "8080", env["SERVER_PORT"])
	assert.Equal(t, "HTTP/1.1", env["SERVER_PROTOCOL"])
	assert.Equal(t, "webserv", env["SERVER_SOFTWARE"])
	assert.Equal(t, "", env["AUTH_TYPE"])
	assert.Equal(t, "", env["REMOTE_IDENT"])
	assert.Equal(t, "", env["REMOTE_USER"])
}

func TestBuildEnv_ZeroContentLengthIsEmpty(t *testing.T) {
	local, err := wsconfig.NewAddress(net.ParseIP("127.0.0.1"), 80)
	require.NoError(t, err)
	peer, err := wsconfig.NewAddress(net.ParseIP("127.0.0.1"), 1)
	require.NoError(t, err)

	req := &reqparse.Request{Method: wsconfig.MethodGet}
	kv := buildEnv(req, "/srv/script.py", "", "/usr/bin/python3", local, peer)
	env := envMap(t, kv)

	assert.Equal(t, "", env["CONTENT_LENGTH"])
}
