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

// Package wsconfig holds the immutable server-block configuration consumed
// by the reactor. spec.md §1 treats configuration parsing as an external
// collaborator delivering only a read-only []ServerBlock; this package is
// that collaborator plus the grammar that produces it.
package wsconfig

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Method is one of the four HTTP methods this server understands, per
// spec.md §3.
type Method string

const (
	MethodGet    Method = "GET"
	MethodHead   Method = "HEAD"
	MethodPost   Method = "POST"
	MethodDelete Method = "DELETE"
)

// Address is a listen/peer identity: an IPv4 address and port. IP holds the
// four address octets read as a big-endian number (127.0.0.1 is 0x7F000001);
// Port is the plain port number. internal/listensock converts both to and
// from the socket structures.
type Address struct {
	IP   uint32 // octets in big-endian order, most significant first
	Port uint16 // port number as a plain integer
}

// NewAddress builds an Address from an IPv4 address and a port number.
func NewAddress(ip net.IP, port uint16) (Address, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, fmt.Errorf("wsconfig: %s is not an IPv4 address", ip)
	}
	return Address{
		IP:   binary.BigEndian.Uint32(v4),
		Port: port,
	}, nil
}

// Equal reports whether two addresses denote the same ip:port pair.
func (a Address) Equal(b Address) bool { return a.IP == b.IP && a.Port == b.Port }

// Less gives Address a total order so it can be used as a stable sort/map key
// source; IP is compared before port.
func (a Address) Less(b Address) bool {
	if a.IP != b.IP {
		return a.IP < b.IP
	}
	return a.Port < b.Port
}

// IPString renders the dotted-quad form of the address' IP.
func (a Address) IPString() string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], a.IP)
	return net.IP(buf[:]).String()
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IPString(), a.Port)
}

// Redirect describes a location-level `return <code> <url>` directive.
type Redirect struct {
	Status int
	URL    string
}

// Location is one `location <prefix> { ... }` block within a ServerBlock.
type Location struct {
	// Path is the prefix this location matches against the decoded request
	// path (spec.md §4.5 step 3: longest matching prefix wins).
	Path string

	// AllowedMethods is the subset of {GET, HEAD, POST, DELETE} permitted
	// here. A request whose method is not in this set gets 405 (§4.5 step 4).
	AllowedMethods map[Method]bool

	// Root is the filesystem directory static/CGI paths resolve under.
	Root string

	// Index is the default file served when the resolved path is a
	// directory and Index is non-empty (§4.6 step 5).
	Index string

	// Autoindex enables HTML directory-listing generation when no Index
	// file exists under a resolved directory.
	Autoindex bool

	// Redirect, if non-nil, makes this location always answer with a
	// redirect (§4.6 step 1), before any other handler runs.
	Redirect *Redirect

	// CGI maps a file extension (including the leading dot, e.g. ".py") to
	// the interpreter binary invoked for matching request paths (§4.6 step 2).
	CGI map[string]string

	// UploadPath, if non-empty, makes POST requests here write the request
	// body to a new file under this directory (§4.6 step 3).
	UploadPath string

	// ClientMaxBodySize overrides the owning ServerBlock's bound when set.
	// A nil pointer means "inherit the server block's value"; per the
	// resolved Open Question in spec.md §9, there is no further fallback —
	// configuration must supply a bound somewhere in the chain.
	ClientMaxBodySize *int64

	// ErrorPages overrides the owning ServerBlock's error_page for a given
	// status when set, per SPEC_FULL.md §3's error_page inheritance
	// supplement. A status missing here falls back to the server block.
	ErrorPages map[int]string
}

// Allowed reports whether m is permitted at this location.
func (l *Location) Allowed(m Method) bool { return l.AllowedMethods[m] }

// AllowedList renders the allowed methods in a stable order for the `Allow:`
// header spec.md §4.5 requires on 405 responses.
func (l *Location) AllowedList() []Method {
	order := []Method{MethodGet, MethodHead, MethodPost, MethodDelete}
	out := make([]Method, 0, len(order))
	for _, m := range order {
		if l.AllowedMethods[m] {
			out = append(out, m)
		}
	}
	return out
}

// MaxBodySize resolves the effective client_max_body_size for this location,
// inheriting the server block's value when no location-level override is set.
func (l *Location) MaxBodySize(serverDefault int64) int64 {
	if l.ClientMaxBodySize != nil {
		return *l.ClientMaxBodySize
	}
	return serverDefault
}

// ServerBlock is one virtual host: a set of listen addresses, server names,
// error pages and locations, per spec.md §3.
type ServerBlock struct {
	Listen            []Address
	ServerNames       []string
	ClientMaxBodySize int64
	ErrorPages        map[int]string
	Locations         []*Location
}

// ListensOn reports whether this block owns a listen directive matching addr.
func (s *ServerBlock) ListensOn(addr Address) bool {
	for _, a := range s.Listen {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

// MatchesHost reports whether host (from the Host header) names this block
// exactly, per spec.md §4.5 step 2 and the multi-name supplement in
// SPEC_FULL.md §3.
func (s *ServerBlock) MatchesHost(host string) bool {
	for _, n := range s.ServerNames {
		if n == host {
			return true
		}
	}
	return false
}

// ErrorPage resolves a custom error page path for status, falling back from
// the location (if any) to the server block, per SPEC_FULL.md §3's
// error_page inheritance supplement.
func ErrorPage(block *ServerBlock, loc *Location, status int) (string, bool) {
	if loc != nil {
		if p, ok := loc.ErrorPages[status]; ok {
			return p, ok
		}
	}
	if block == nil {
		return "", false
	}
	p, ok := block.ErrorPages[status]
	return p, ok
}

// Config is the immutable, fully-parsed configuration: an ordered list of
// server blocks, shared by reference with every connection (spec.md §5).
type Config struct {
	Servers []*ServerBlock
}

// ListenSet returns the distinct listen addresses across all server blocks,
// in first-seen order, so the reactor knows exactly which sockets to open.
func (c *Config) ListenSet() []Address {
	var out []Address
	seen := make(map[Address]bool)
	for _, s := range c.Servers {
		for _, a := range s.Listen {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}
