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

package wsconfig

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseFile reads and parses the nginx-like config grammar spec.md §6
// describes (`listen`, `server_name`, `client_max_body_size`, `error_page`,
// and `location <prefix> { ... }` blocks) from path.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the config grammar from r.
func Parse(r io.Reader) (*Config, error) {
	toks, err := tokenize(r)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	cfg := &Config{}
	for !p.atEnd() {
		if p.peek() == "server" {
			p.next()
			block, err := p.parseServerBlock()
			if err != nil {
				return nil, err
			}
			cfg.Servers = append(cfg.Servers, block)
			continue
		}
		return nil, fmt.Errorf("wsconfig: unexpected top-level token %q", p.peek())
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("wsconfig: no server blocks defined")
	}
	return cfg, nil
}

// tokenizer is an empty marker type; tokenize below splits the input into
// tokens, each a bare word or one of the structural characters '{', '}', ';'.
type tokenizer struct{}

func tokenize(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var toks []string
	for sc.Scan() {
		line := sc.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		var cur strings.Builder
		flush := func() {
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		}
		for _, r := range line {
			switch r {
			case '{', '}', ';':
				flush()
				toks = append(toks, string(r))
			case ' ', '\t', '\r':
				flush()
			default:
				cur.WriteRune(r)
			}
		}
		flush()
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return toks, nil
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) atEnd() bool  { return p.pos >= len(p.toks) }
func (p *parser) peek() string { return p.toks[p.pos] }
func (p *parser) next() string {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) expect(tok string) error {
	if p.atEnd() || p.next() != tok {
		return fmt.Errorf("wsconfig: expected %q", tok)
	}
	return nil
}

// directiveArgs consumes tokens up to (not including) the terminating ';'.
func (p *parser) directiveArgs() ([]string, error) {
	var args []string
	for {
		if p.atEnd() {
			return nil, fmt.Errorf("wsconfig: unterminated directive")
		}
		t := p.next()
		if t == ";" {
			return args, nil
		}
		if t == "{" || t == "}" {
			return nil, fmt.Errorf("wsconfig: unexpected %q inside directive", t)
		}
		args = append(args, t)
	}
}

func (p *parser) parseServerBlock() (*ServerBlock, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	sb := &ServerBlock{
		ClientMaxBodySize: -1,
		ErrorPages:        map[int]string{},
	}
	for {
		if p.atEnd() {
			return nil, fmt.Errorf("wsconfig: unterminated server block")
		}
		if p.peek() == "}" {
			p.next()
			break
		}
		if p.peek() == "location" {
			p.next()
			args, err := p.locationHeaderArgs()
			if err != nil {
				return nil, err
			}
			loc, err := p.parseLocation(args)
			if err != nil {
				return nil, err
			}
			sb.Locations = append(sb.Locations, loc)
			continue
		}
		directive := p.next()
		args, err := p.directiveArgs()
		if err != nil {
			return nil, err
		}
		if err := applyServerDirective(sb, directive, args); err != nil {
			return nil, err
		}
	}
	if sb.ClientMaxBodySize < 0 {
		return nil, fmt.Errorf("wsconfig: server block missing mandatory client_max_body_size")
	}
	if len(sb.Listen) == 0 {
		return nil, fmt.Errorf("wsconfig: server block missing listen directive")
	}
	return sb, nil
}

// locationHeaderArgs consumes the tokens between `location` and the opening
// `{` (i.e. the prefix).
func (p *parser) locationHeaderArgs() ([]string, error) {
	var args []string
	for {
		if p.atEnd() {
			return nil, fmt.Errorf("wsconfig: unterminated location header")
		}
		if p.peek() == "{" {
			return args, nil
		}
		args = append(args, p.next())
	}
}

func (p *parser) parseLocation(header []string) (*Location, error) {
	if len(header) != 1 {
		return nil, fmt.Errorf("wsconfig: location requires exactly one path prefix, got %v", header)
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	loc := &Location{
		Path:           header[0],
		AllowedMethods: map[Method]bool{},
		CGI:            map[string]string{},
		ErrorPages:     map[int]string{},
	}
	for {
		if p.atEnd() {
			return nil, fmt.Errorf("wsconfig: unterminated location block")
		}
		if p.peek() == "}" {
			p.next()
			break
		}
		directive := p.next()
		args, err := p.directiveArgs()
		if err != nil {
			return nil, err
		}
		if err := applyLocationDirective(loc, directive, args); err != nil {
			return nil, err
		}
	}
	return loc, nil
}

func applyServerDirective(sb *ServerBlock, directive string, args []string) error {
	switch directive {
	case "listen":
		if len(args) != 1 {
			return fmt.Errorf("wsconfig: listen takes exactly one address")
		}
		addr, err := parseListenAddr(args[0])
		if err != nil {
			return err
		}
		sb.Listen = append(sb.Listen, addr)
	case "server_name":
		sb.ServerNames = append(sb.ServerNames, args...)
	case "client_max_body_size":
		if len(args) != 1 {
			return fmt.Errorf("wsconfig: client_max_body_size takes exactly one value")
		}
		n, err := humanize.ParseBytes(args[0])
		if err != nil {
			return fmt.Errorf("wsconfig: bad client_max_body_size %q: %w", args[0], err)
		}
		sb.ClientMaxBodySize = int64(n)
	case "error_page":
		if len(args) < 2 {
			return fmt.Errorf("wsconfig: error_page requires one or more codes and a path")
		}
		path := args[len(args)-1]
		for _, c := range args[:len(args)-1] {
			code, err := strconv.Atoi(c)
			if err != nil {
				return fmt.Errorf("wsconfig: bad error_page status %q: %w", c, err)
			}
			sb.ErrorPages[code] = path
		}
	default:
		return fmt.Errorf("wsconfig: unknown server directive %q", directive)
	}
	return nil
}

func applyLocationDirective(loc *Location, directive string, args []string) error {
	switch directive {
	case "root":
		if len(args) != 1 {
			return fmt.Errorf("wsconfig: root takes exactly one path")
		}
		loc.Root = args[0]
	case "index":
		if len(args) != 1 {
			return fmt.Errorf("wsconfig: index takes exactly one filename")
		}
		loc.Index = args[0]
	case "autoindex":
		if len(args) != 1 {
			return fmt.Errorf("wsconfig: autoindex takes on|off")
		}
		loc.Autoindex = args[0] == "on"
	case "allow_methods":
		for _, m := range args {
			method := Method(strings.ToUpper(m))
			switch method {
			case MethodGet, MethodHead, MethodPost, MethodDelete:
				loc.AllowedMethods[method] = true
			default:
				return fmt.Errorf("wsconfig: unsupported method %q in allow_methods", m)
			}
		}
	case "cgi_pass":
		if len(args) != 2 {
			return fmt.Errorf("wsconfig: cgi_pass takes an extension and an interpreter path")
		}
		ext := args[0]
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		loc.CGI[ext] = args[1]
	case "upload_path":
		if len(args) != 1 {
			return fmt.Errorf("wsconfig: upload_path takes exactly one path")
		}
		loc.UploadPath = args[0]
	case "client_max_body_size":
		if len(args) != 1 {
			return fmt.Errorf("wsconfig: client_max_body_size takes exactly one value")
		}
		n, err := humanize.ParseBytes(args[0])
		if err != nil {
			return fmt.Errorf("wsconfig: bad client_max_body_size %q: %w", args[0], err)
		}
		v := int64(n)
		loc.ClientMaxBodySize = &v
	case "return":
		if len(args) != 2 {
			return fmt.Errorf("wsconfig: return takes a status code and a url")
		}
		code, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("wsconfig: bad return status %q: %w", args[0], err)
		}
		loc.Redirect = &Redirect{Status: code, URL: args[1]}
	case "error_page":
		if len(args) < 2 {
			return fmt.Errorf("wsconfig: error_page requires one or more codes and a path")
		}
		path := args[len(args)-1]
		for _, c := range args[:len(args)-1] {
			code, err := strconv.Atoi(c)
			if err != nil {
				return fmt.Errorf("wsconfig: bad error_page status %q: %w", c, err)
			}
			loc.ErrorPages[code] = path
		}
	default:
		return fmt.Errorf("wsconfig: unknown location directive %q", directive)
	}
	return nil
}

// parseListenAddr parses "addr[:port]" into an Address. A bare port with no
// host ("8080") binds to all interfaces.
func parseListenAddr(s string) (Address, error) {
	host, portStr, err := splitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("wsconfig: bad port in listen %q: %w", s, err)
	}
	var ip net.IP
	if host == "" {
		ip = net.IPv4zero
	} else {
		ip = net.ParseIP(host)
		if ip == nil {
			resolved, err := net.LookupIP(host)
			if err != nil || len(resolved) == 0 {
				return Address{}, fmt.Errorf("wsconfig: cannot resolve listen host %q", host)
			}
			ip = resolved[0]
		}
	}
	return NewAddress(ip, uint16(port))
}

func splitHostPort(s string) (host, port string, err error) {
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 {
		return s[:idx], s[idx+1:], nil
	}
	// bare port, or bare host defaulting to port 80
	if _, convErr := strconv.ParseUint(s, 10, 16); convErr == nil {
		return "", s, nil
	}
	return s, "80", nil
}
