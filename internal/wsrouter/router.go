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

// Package wsrouter implements the Router, component C5 of spec.md §4.5: it
// resolves a parsed request to a (ServerBlock, Location) pair by listen
// address, Host header and longest-prefix path match. It is modeled on the
// teacher's vhostTrie (httpserver/vhosttrie.go) — first-match-by-host, then
// longest-prefix-by-path — generalized from TLS SNI virtual hosting to
// spec.md's plain listen-address + Host-header scheme.
package wsrouter

import (
	"strings"

	"github.com/hepple42/42-webserv/internal/wsconfig"
	"github.com/hepple42/42-webserv/internal/wserr"
)

// Router resolves requests against an immutable configuration.
type Router struct {
	cfg *wsconfig.Config
}

// New builds a Router over cfg. cfg is never mutated after this call,
// matching spec.md §5's "configuration is immutable post-start" rule.
func New(cfg *wsconfig.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve implements spec.md §4.5 steps 1–3: filter by listen address,
// prefer an exact server_name match else the first block on that address,
// then pick the Location with the longest matching path prefix.
func (r *Router) Resolve(local wsconfig.Address, host, path string) (*wsconfig.ServerBlock, *wsconfig.Location, error) {
	var candidates []*wsconfig.ServerBlock
	for _, s := range r.cfg.Servers {
		if s.ListensOn(local) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, wserr.Routing(500, "no server block listens on "+local.String())
	}

	block := candidates[0]
	hostOnly := stripPort(host)
	for _, s := range candidates {
		if s.MatchesHost(hostOnly) {
			block = s
			break
		}
	}

	loc := longestPrefixMatch(block.Locations, path)
	if loc == nil {
		return block, nil, wserr.Routing(404, "no location matches "+path)
	}
	return block, loc, nil
}

// CheckMethod implements spec.md §4.5 step 4.
func CheckMethod(loc *wsconfig.Location, method wsconfig.Method) error {
	if loc.Allowed(method) {
		return nil
	}
	return wserr.Routing(405, "method not allowed")
}

// longestPrefixMatch returns the Location whose Path is the longest prefix
// of requestPath, or nil if none matches.
func longestPrefixMatch(locations []*wsconfig.Location, requestPath string) *wsconfig.Location {
	var best *wsconfig.Location
	bestLen := -1
	for _, loc := range locations {
		if isPathPrefix(loc.Path, requestPath) && len(loc.Path) > bestLen {
			best = loc
			bestLen = len(loc.Path)
		}
	}
	return best
}

// isPathPrefix reports whether prefix is a path-segment-respecting prefix
// of path (so "/api" matches "/api/x" and "/api" but not "/apikey").
func isPathPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if prefix == "/" || len(prefix) == len(path) {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return true
	}
	return len(path) > len(prefix) && path[len(prefix)] == '/'
}

// stripPort removes a trailing ":port" from a Host header value, leaving
// IPv6 bracketed literals intact.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx >= 0 {
			return host[:idx+1]
		}
		return host
	}
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}
