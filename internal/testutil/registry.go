// Package testutil provides fakes of the npm registry and replication feed
// for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// Registry is an httptest server that serves packuments.
type Registry struct {
	*httptest.Server

	mu        sync.Mutex
	packages  map[string]*packument
	hits      map[string]int
	failNext  map[string]int
	delays    map[string]time.Duration
	changes   []map[string]any
	updateSeq int
}

type packument struct {
	Name       string                    `json:"name"`
	ID         string                    `json:"_id"`
	DistTags   map[string]string         `json:"dist-tags"`
	Versions   map[string]map[string]any `json:"versions"`
	Repository map[string]string         `json:"repository,omitempty"`
}

// NewRegistry starts a fake registry that is closed when the test ends.
// Packuments are served at /<escaped name>, the changes feed at /_changes
// and the database info at /_db.
func NewRegistry(t testing.TB) *Registry {
	t.Helper()
	r := &Registry{
		packages: make(map[string]*packument),
		hits:     make(map[string]int),
		failNext: make(map[string]int),
		delays:   make(map[string]time.Duration),
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

// ChangesURL is the replication feed endpoint.
func (r *Registry) ChangesURL() string { return r.URL + "/_changes" }

// DBURL is the database info endpoint returning update_seq.
func (r *Registry) DBURL() string { return r.URL + "/_db" }

// Publish adds a version and points the latest dist-tag at it. It also
// appends a row to the changes feed.
func (r *Registry) Publish(name, version string, scripts map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.packages[name]
	if !ok {
		p = &packument{
			Name:     name,
			ID:       name,
			DistTags: map[string]string{},
			Versions: map[string]map[string]any{},
		}
		r.packages[name] = p
	}
	doc := map[string]any{"name": name, "version": version}
	if scripts != nil {
		doc["scripts"] = scripts
	}
	p.Versions[version] = doc
	p.DistTags["latest"] = version

	r.updateSeq++
	r.changes = append(r.changes, map[string]any{"id": name, "seq": r.updateSeq})
}

// SetRepository sets the repository URL of a package.
func (r *Registry) SetRepository(name, repoURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.packages[name]; ok {
		p.Repository = map[string]string{"type": "git", "url": repoURL}
	}
}

// FailNext makes the next n fetches of name answer 503.
func (r *Registry) FailNext(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext[name] = n
}

// SetDelay holds every packument response for name by d, or until the
// client gives up.
func (r *Registry) SetDelay(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays[name] = d
}

// Hits returns how often the packument of name was requested.
func (r *Registry) Hits(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[name]
}

func (r *Registry) serve(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.EscapedPath(), "/")
	switch path {
	case "_changes":
		r.serveChanges(w, req)
		return
	case "_db":
		r.mu.Lock()
		seq := r.updateSeq
		r.mu.Unlock()
		writeJSON(w, map[string]any{"db_name": "registry", "update_seq": seq})
		return
	}

	name, err := url.PathUnescape(path)
	if err != nil {
		http.Error(w, "bad name", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.hits[name]++
	if r.failNext[name] > 0 {
		r.failNext[name]--
		r.mu.Unlock()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	p, ok := r.packages[name]
	var body []byte
	if ok {
		body, _ = json.Marshal(p)
	}
	delay := r.delays[name]
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-req.Context().Done():
			return
		}
	}

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Not found"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (r *Registry) serveChanges(w http.ResponseWriter, req *http.Request) {
	since := 0
	if s := req.URL.Query().Get("since"); s != "" {
		_ = json.Unmarshal([]byte(s), &since)
	}

	r.mu.Lock()
	results := []map[string]any{}
	for _, row := range r.changes {
		if row["seq"].(int) > since {
			results = append(results, row)
		}
	}
	last := r.updateSeq
	r.mu.Unlock()

	writeJSON(w, map[string]any{"results": results, "last_seq": last})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
