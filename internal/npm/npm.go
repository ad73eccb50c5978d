// Package npm provides the packument client for registry.npmjs.org.
package npm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

const (
	DefaultURL = "https://registry.npmjs.org"
)

// Registry fetches packuments from an npm-compatible registry.
type Registry struct {
	baseURL string
	client  *core.Client
	urls    *URLs
}

func New(baseURL string, client *core.Client) *Registry {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if client == nil {
		client = core.DefaultClient()
	}
	r := &Registry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
	r.urls = &URLs{baseURL: r.baseURL}
	return r
}

func (r *Registry) URLs() core.URLBuilder {
	return r.urls
}

type packageResponse struct {
	ID         string                 `json:"_id"`
	Name       string                 `json:"name"`
	Repository interface{}            `json:"repository"`
	Versions   map[string]versionInfo `json:"versions"`
	Time       map[string]interface{} `json:"time"`
	DistTags   map[string]string      `json:"dist-tags"`
}

type versionInfo struct {
	Version    string                 `json:"version"`
	Repository interface{}            `json:"repository"`
	Scripts    map[string]interface{} `json:"scripts"`
}

// PackumentURL returns the document URL for a package. The name is escaped
// as a single path segment, so "@scope/name" becomes "@scope%2Fname".
func (r *Registry) PackumentURL(name string) string {
	return fmt.Sprintf("%s/%s", r.baseURL, url.PathEscape(name))
}

// FetchPackument retrieves the full metadata document for a package.
// It does not retry; a non-success status yields *core.FetchError and a
// slow registry yields *core.TimeoutError.
func (r *Registry) FetchPackument(ctx context.Context, name string) (*core.Packument, error) {
	docURL := r.PackumentURL(name)

	var resp packageResponse
	if err := r.client.GetJSON(ctx, docURL, &resp); err != nil {
		var httpErr *core.FetchError
		if errors.As(err, &httpErr) && httpErr.IsNotFound() {
			return nil, &core.NotFoundError{Name: name, Err: err}
		}
		return nil, err
	}

	if resp.ID == "" && resp.Name == "" {
		return nil, &core.MalformedResponseError{URL: docURL, Reason: "missing name"}
	}

	pkg := &core.Packument{
		Name:     coalesceString(resp.Name, resp.ID),
		DistTags: resp.DistTags,
		Versions: make(map[string]core.VersionDoc, len(resp.Versions)),
	}

	if _, ok := resp.Time["unpublished"]; ok && len(resp.Versions) == 0 {
		pkg.Unpublished = true
		return pkg, nil
	}
	if resp.Versions == nil {
		return nil, &core.MalformedResponseError{URL: docURL, Reason: "missing versions"}
	}

	var latestRepo interface{}
	if tag := resp.DistTags["latest"]; tag != "" {
		latestRepo = resp.Versions[tag].Repository
	}
	pkg.Repository = extractRepoURL(resp.Repository, latestRepo)

	for num, v := range resp.Versions {
		pkg.Versions[num] = core.VersionDoc{Scripts: extractScripts(v.Scripts)}
	}

	return pkg, nil
}

// extractScripts keeps string-valued entries; anything else in a scripts
// map is not runnable by npm.
func extractScripts(raw map[string]interface{}) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	scripts := make(map[string]string, len(raw))
	for name, v := range raw {
		if s, ok := v.(string); ok {
			scripts[name] = s
		}
	}
	return scripts
}

func extractRepoURL(pkgRepo, versionRepo interface{}) string {
	for _, repo := range []interface{}{versionRepo, pkgRepo} {
		switch r := repo.(type) {
		case string:
			if r != "" {
				return normalizeGitURL(r)
			}
		case map[string]interface{}:
			if url, ok := r["url"].(string); ok && url != "" {
				return normalizeGitURL(url)
			}
		case []interface{}:
			if len(r) > 0 {
				if m, ok := r[0].(map[string]interface{}); ok {
					if url, ok := m["url"].(string); ok && url != "" {
						return normalizeGitURL(url)
					}
				}
			}
		}
	}
	return ""
}

func normalizeGitURL(u string) string {
	u = strings.TrimPrefix(u, "git+")
	u = strings.TrimPrefix(u, "git://")
	u = strings.TrimSuffix(u, ".git")
	if strings.HasPrefix(u, "github.com/") {
		u = "https://" + u
	}
	if strings.HasPrefix(u, "github:") {
		u = "https://github.com/" + strings.TrimPrefix(u, "github:")
	}
	return u
}

func coalesceString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type URLs struct {
	baseURL string
}

func (u *URLs) Registry(name, version string) string {
	if version != "" {
		return fmt.Sprintf("https://www.npmjs.com/package/%s/v/%s", name, version)
	}
	return fmt.Sprintf("https://www.npmjs.com/package/%s", name)
}

func (u *URLs) Download(name, version string) string {
	if version == "" {
		return ""
	}
	shortName := name
	if strings.Contains(name, "/") {
		parts := strings.SplitN(name, "/", 2)
		shortName = parts[1]
	}
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", u.baseURL, name, shortName, version)
}

func (u *URLs) Documentation(name, version string) string {
	return ""
}

func (u *URLs) PURL(name, version string) string {
	return core.BuildPURL(name, version)
}
