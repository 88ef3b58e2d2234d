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

// Package wscgi implements CgiHandler, component C7 of spec.md §4.7: it
// builds the CGI/1.1 environment for a matched request, forks the
// interpreter, wires its stdin/stdout to the request body and the
// connection's send buffer, and parses the CGI header block out of the
// child's stdout stream.
//
// Grounded on the teacher's fastcgi.Handler.buildEnv's shape (a plain map
// filled field-by-field from the request) and on golang.org/x/sys/unix for
// the actual process and pipe plumbing a real (non-FastCGI, classic
// fork-per-request) CGI gateway needs — the teacher talks FastCGI over a
// socket to an already-running interpreter, but spec.md §4.7 requires the
// single-threaded reactor to own the fork/exec/pipe lifecycle itself, so
// that part is grounded on golang.org/x/sys/unix directly (see DESIGN.md).
package wscgi

import (
	"strconv"
	"strings"

	"github.com/hepple42/42-webserv/internal/reqparse"
	"github.com/hepple42/42-webserv/internal/wsconfig"
)

// serverSoftware is the value of SERVER_SOFTWARE; it repeats the value of
// ServerHeader in internal/wsresponse.
const serverSoftware = "webserv"

// buildEnv constructs exactly the CGI environment set spec.md §6 names —
// no more, no less: auth_type, content_length, content_type,
// gateway_interface, http_accept, http_user_agent, path_info,
// path_translated, query_string, remote_addr, remote_host, remote_ident,
// remote_user, request_method, script_name, server_name, server_port,
// server_protocol, server_software — built in lowercase internally and
// exposed to the child in uppercase.
func buildEnv(req *reqparse.Request, scriptPath, pathInfo, interpreter string, local, peer wsconfig.Address) []string {
	lower := map[string]string{
		"auth_type":         "",
		"content_length":    "",
		"content_type":      firstHeader(req, "Content-Type"),
		"gateway_interface": "CGI/1.1",
		"http_accept":       firstHeader(req, "Accept"),
		"http_user_agent":   firstHeader(req, "User-Agent"),
		"path_info":         pathInfo,
		"path_translated":   scriptPath,
		"query_string":      req.RawQuery,
		"remote_addr":       peer.IPString(),
		"remote_host":       peer.IPString(),
		"remote_ident":      "",
		"remote_user":       "",
		"request_method":    string(req.Method),
		"script_name":       req.Path,
		"server_name":       req.Host,
		"server_port":       strconv.Itoa(int(local.Port)),
		"server_protocol":   "HTTP/1.1",
		"server_software":   serverSoftware,
	}
	if req.ContentLength > 0 {
		lower["content_length"] = strconv.FormatInt(req.ContentLength, 10)
	}

	out := make([]string, 0, len(lower))
	for k, v := range lower {
		out = append(out, strings.ToUpper(k)+"="+v)
	}
	return out
}

func firstHeader(req *reqparse.Request, name string) string {
	if v, ok := req.Header(name); ok {
		return v
	}
	return ""
}
