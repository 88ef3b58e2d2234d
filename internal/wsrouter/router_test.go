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

package wsrouter

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepple42/42-webserv/internal/wserr"
	"github.com/hepple42/42-webserv/internal/wsconfig"
)

func addr(t *testing.T, ip string, port uint16) wsconfig.Address {
	t.Helper()
	a, err := wsconfig.NewAddress(net.ParseIP(ip), port)
	require.NoError(t, err)
	return a
}

func testConfig(t *testing.T) (*wsconfig.Config, wsconfig.Address) {
	t.Helper()
	a := addr(t, "127.0.0.1", 8080)

	root := &wsconfig.Location{
		Path:           "/",
		AllowedMethods: map[wsconfig.Method]bool{wsconfig.MethodGet: true, wsconfig.MethodHead: true},
	}
	api := &wsconfig.Location{
		Path:           "/api",
		AllowedMethods: map[wsconfig.Method]bool{wsconfig.MethodGet: true, wsconfig.MethodPost: true},
	}
	apiUsers := &wsconfig.Location{
		Path:           "/api/users",
		AllowedMethods: map[wsconfig.Method]bool{wsconfig.MethodGet: true},
	}

	defaultBlock := &wsconfig.ServerBlock{
		Listen:      []wsconfig.Address{a},
		ServerNames: []string{"default.example.com"},
		Locations:   []*wsconfig.Location{root, api, apiUsers},
	}
	namedBlock := &wsconfig.ServerBlock{
		Listen:      []wsconfig.Address{a},
		ServerNames: []string{"other.example.com"},
		Locations:   []*wsconfig.Location{root},
	}

	cfg := &wsconfig.Config{Servers: []*wsconfig.ServerBlock{defaultBlock, namedBlock}}
	return cfg, a
}

func TestRouter_ExactHostMatch(t *testing.T) {
	cfg, a := testConfig(t)
	r := New(cfg)

	block, loc, err := r.Resolve(a, "other.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"other.example.com"}, block.ServerNames)
	assert.Equal(t, "/", loc.Path)
}

func TestRouter_UnknownHostFallsBackToFirstBlock(t *testing.T) {
	cfg, a := testConfig(t)
	r := New(cfg)

	block, _, err := r.Resolve(a, "unknown.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"default.example.com"}, block.ServerNames)
}

func TestRouter_LongestPrefixWins(t *testing.T) {
	cfg, a := testConfig(t)
	r := New(cfg)

	_, loc, err := r.Resolve(a, "default.example.com", "/api/users/42")
	require.NoError(t, err)
	assert.Equal(t, "/api/users", loc.Path)

	_, loc, err = r.Resolve(a, "default.example.com", "/api/orders")
	require.NoError(t, err)
	assert.Equal(t, "/api", loc.Path)
}

func TestRouter_NoListenMatchIs500(t *testing.T) {
	cfg, _ := testConfig(t)
	r := New(cfg)

	_, _, err := r.Resolve(addr(t, "127.0.0.1", 9999), "default.example.com", "/")
	require.Error(t, err)
	status, ok := wserr.Status(err)
	require.True(t, ok)
	assert.Equal(t, 500, status)
}

func TestRouter_NoLocationMatchIs404(t *testing.T) {
	cfg, a := testConfig(t)
	// Remove the catch-all "/" location so nothing matches an unrelated path.
	cfg.Servers[0].Locations = cfg.Servers[0].Locations[1:]
	r := New(cfg)

	_, _, err := r.Resolve(a, "default.example.com", "/nowhere")
	require.Error(t, err)
	status, ok := wserr.Status(err)
	require.True(t, ok)
	assert.Equal(t, 404, status)
}

func TestRouter_PrefixRespectsSegmentBoundary(t *testing.T) {
	cfg, a := testConfig(t)
	r := New(cfg)

	// "/apikey" must not match the "/api" location since "/api" is not a
	// path-segment-respecting prefix of it.
	_, loc, err := r.Resolve(a, "default.example.com", "/apikey")
	require.NoError(t, err)
	assert.Equal(t, "/", loc.Path)
}

func TestCheckMethod(t *testing.T) {
	loc := &wsconfig.Location{
		AllowedMethods: map[wsconfig.Method]bool{wsconfig.MethodGet: true},
	}

	require.NoError(t, CheckMethod(loc, wsconfig.MethodGet))

	err := CheckMethod(loc, wsconfig.MethodPost)
	require.Error(t, err)
	status, ok := wserr.Status(err)
	require.True(t, ok)
	assert.Equal(t, 405, status)
}
