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
	"html/template"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// listing mirrors the teacher's browse.Listing: the template context for a
// generated directory index, per spec.md §4.6 step 5's "autoindex" branch.
type listing struct {
	Path  string
	Items []listingItem
	Sort  string
	Order string
}

type listingItem struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime string
}

func (it listingItem) HumanSize() string {
	if it.IsDir {
		return "-"
	}
	return humanize.Bytes(uint64(it.Size))
}

// sortKind/order mirror browse.go's sortByName/sortBySize/sortByTime query
// parameters, the directory-listing column sort supplemented in
// SPEC_FULL.md §3.
const (
	sortByName = "name"
	sortBySize = "size"
	sortByTime = "time"
)

func (l *listing) applySort() {
	reverse := l.Order == "desc"
	var less func(i, j int) bool
	switch l.Sort {
	case sortBySize:
		less = func(i, j int) bool { return l.Items[i].Size < l.Items[j].Size }
	case sortByTime:
		less = func(i, j int) bool { return l.Items[i].ModTime < l.Items[j].ModTime }
	default:
		less = func(i, j int) bool { return l.Items[i].Name < l.Items[j].Name }
	}
	sort.SliceStable(l.Items, func(i, j int) bool {
		if reverse {
			return less(j, i)
		}
		return less(i, j)
	})
}

var listingTemplate = template.Must(template.New("listing").Parse(`<html>
<head><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<hr>
<table>
<tr><th><a href="?sort=name">Name</a></th><th><a href="?sort=size">Size</a></th><th><a href="?sort=time">Modified</a></th></tr>
{{range .Items}}<tr><td><a href="{{.Name}}{{if .IsDir}}/{{end}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td><td>{{.HumanSize}}</td><td>{{.ModTime}}</td></tr>
{{end}}</table>
<hr>
</body>
</html>
`))

// buildListing reads dir's entries and renders the autoindex HTML page,
// honouring a ?sort=name|size|time&order=asc|desc query, per SPEC_FULL.md §3.
func buildListing(dir, urlPath, rawQuery string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	l := &listing{Path: urlPath}
	q, _ := url.ParseQuery(rawQuery)
	l.Sort = q.Get("sort")
	l.Order = q.Get("order")

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		l.Items = append(l.Items, listingItem{
			Name:    e.Name(),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC().Format(http1123),
		})
	}
	l.applySort()

	var buf strings.Builder
	if err := listingTemplate.Execute(&buf, l); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// joinURLPath joins a URL base path and a name with path.Join, so the result
// has no trailing slash; buildUpload uses it for a new upload's Location.
func joinURLPath(base, name string) string {
	return path.Join(base, name)
}
