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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_MinimalServerBlock(t *testing.T) {
	src := `
server {
	listen 127.0.0.1:8080;
	server_name example.com www.example.com;
	client_max_body_size 1m;

	location / {
		root /var/www;
		index index.html;
		allow_methods GET HEAD;
	}
}
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)

	sb := cfg.Servers[0]
	assert.Equal(t, []string{"example.com", "www.example.com"}, sb.ServerNames)
	assert.EqualValues(t, 1_000_000, sb.ClientMaxBodySize)
	require.Len(t, sb.Listen, 1)
	assert.Equal(t, "127.0.0.1", sb.Listen[0].IPString())
	assert.EqualValues(t, 8080, sb.Listen[0].Port)

	require.Len(t, sb.Locations, 1)
	loc := sb.Locations[0]
	assert.Equal(t, "/var/www", loc.Root)
	assert.Equal(t, "index.html", loc.Index)
	assert.True(t, loc.Allowed(MethodGet))
	assert.True(t, loc.Allowed(MethodHead))
	assert.False(t, loc.Allowed(MethodPost))
}

func TestParse_MultipleServerBlocksAndLocations(t *testing.T) {
	src := `
server {
	listen 8080;
	client_max_body_size 2m;

	location / {
		root /srv/a;
	}
	location /api {
		root /srv/a/api;
		allow_methods GET POST;
	}
}
server {
	listen 8081;
	client_max_body_size 2m;

	location / {
		root /srv/b;
	}
}
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	assert.Len(t, cfg.Servers[0].Locations, 2)
	assert.Equal(t, []Address{{IP: 0, Port: 8081}}, cfg.Servers[1].Listen)

	listenSet := cfg.ListenSet()
	assert.Len(t, listenSet, 2)
}

func TestParse_CGIAndUploadAndRedirect(t *testing.T) {
	src := `
server {
	listen 8080;
	client_max_body_size 1m;

	location /cgi-bin {
		root /srv/cgi-bin;
		cgi_pass py /usr/bin/python3;
		allow_methods GET POST;
	}
	location /uploads {
		root /srv/uploads;
		upload_path /srv/uploads;
		client_max_body_size 10m;
		allow_methods POST;
	}
	location /old {
		return 301 /new;
	}
}
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	sb := cfg.Servers[0]

	cgiLoc := sb.Locations[0]
	assert.Equal(t, "/usr/bin/python3", cgiLoc.CGI[".py"])

	uploadLoc := sb.Locations[1]
	assert.Equal(t, "/srv/uploads", uploadLoc.UploadPath)
	assert.EqualValues(t, 10_000_000, uploadLoc.MaxBodySize(sb.ClientMaxBodySize))

	redirectLoc := sb.Locations[2]
	require.NotNil(t, redirectLoc.Redirect)
	assert.Equal(t, 301, redirectLoc.Redirect.Status)
	assert.Equal(t, "/new", redirectLoc.Redirect.URL)
}

func TestParse_ErrorPageInheritance(t *testing.T) {
	src := `
server {
	listen 8080;
	client_max_body_size 1m;
	error_page 404 500 /errors/generic.html;

	location / {
		root /srv;
		error_page 404 /errors/not-found.html;
	}
}
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	sb := cfg.Servers[0]
	loc := sb.Locations[0]

	p, ok := ErrorPage(sb, loc, 404)
	require.True(t, ok)
	assert.Equal(t, "/errors/not-found.html", p)

	p, ok = ErrorPage(sb, loc, 500)
	require.True(t, ok)
	assert.Equal(t, "/errors/generic.html", p)

	_, ok = ErrorPage(sb, loc, 403)
	assert.False(t, ok)
}

func TestParse_MissingClientMaxBodySizeRejected(t *testing.T) {
	src := `
server {
	listen 8080;
	location / {
		root /srv;
	}
}
`
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
}

func TestParse_MissingListenRejected(t *testing.T) {
	src := `
server {
	client_max_body_size 1m;
	location / {
		root /srv;
	}
}
`
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
}

func TestParse_UnknownDirectiveRejected(t *testing.T) {
	src := `
server {
	listen 8080;
	client_max_body_size 1m;
	bogus_directive foo;
}
`
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
}

func TestParse_CommentsIgnored(t *testing.T) {
	src := `
# this whole config is one tiny site
server {
	listen 8080; # inline comment
	client_max_body_size 1m;

	location / {
		root /srv; # serve straight from here
	}
}
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "/srv", cfg.Servers[0].Locations[0].Root)
}
