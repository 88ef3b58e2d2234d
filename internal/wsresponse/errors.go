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
	"fmt"
	"os"
	"time"

	"github.com/hepple42/42-webserv/internal/wsconfig"
)

// statusTable is the built-in status → reason-phrase table spec.md §4.6
// falls back to when no custom error_page is configured. It is deliberately
// restricted to the vocabulary spec.md §6 names.
var statusTable = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	504: "Gateway Timeout",
}

// ReasonPhrase looks up the reason phrase for status, falling back to a
// generic placeholder for anything outside spec.md §6's vocabulary.
func ReasonPhrase(status int) string {
	if r, ok := statusTable[status]; ok {
		return r
	}
	return "Unknown Status"
}

// NewError synthesises an error response per spec.md §4.6: if the location
// (falling back to its server block, per SPEC_FULL.md §3's inheritance
// supplement) defines a custom page for status, its file contents become
// the body; otherwise a minimal built-in HTML body is generated.
func NewError(status int, serverHeader string, now time.Time, block *wsconfig.ServerBlock, loc *wsconfig.Location) *Response {
	resp := New(status, serverHeader, now)

	if path, ok := errorPagePath(status, block, loc); ok {
		if body, err := os.ReadFile(path); err == nil {
			resp.SetInMemoryBody(body, "text/html")
			return resp
		}
	}

	body := fmt.Sprintf(
		"<html>\n<head><title>%d %s</title></head>\n<body>\n<center><h1>%d %s</h1></center>\n<hr><center>webserv</center>\n</body>\n</html>\n",
		status, ReasonPhrase(status), status, ReasonPhrase(status),
	)
	resp.SetInMemoryBody([]byte(body), "text/html")
	return resp
}

// errorPagePath resolves a custom error_page path, location first then
// server block, per SPEC_FULL.md §3's inheritance supplement.
func errorPagePath(status int, block *wsconfig.ServerBlock, loc *wsconfig.Location) (string, bool) {
	return wsconfig.ErrorPage(block, loc, status)
}
