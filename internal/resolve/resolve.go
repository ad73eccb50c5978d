// Package resolve picks the latest and previous published versions of a
// package by semantic-version ordering.
//
// Only semver precedence is used. The "latest" dist-tag can lag the highest
// published version, so it is validated and reported but never trusted to
// choose the version under review. Publish timestamps are ignored.
package resolve

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

// Result holds the resolved versions. An empty string means none.
type Result struct {
	Latest   string
	Previous string

	// DistTag is the "latest" dist-tag when it names an existing, valid version.
	DistTag string
	// TagLags is set when DistTag is lower than Latest.
	TagLags bool
}

// HasLatest reports whether the package has any valid version.
func (r Result) HasLatest() bool {
	return r.Latest != ""
}

// FirstPublish reports whether Latest has no predecessor.
func (r Result) FirstPublish() bool {
	return r.Latest != "" && r.Previous == ""
}

type parsed struct {
	raw string
	v   *semver.Version
}

// Resolve returns the highest valid version of p and the highest valid
// version strictly below it. Version keys that are not strict semver are
// ignored.
func Resolve(p *core.Packument) Result {
	if p == nil || len(p.Versions) == 0 {
		return Result{}
	}

	versions := make([]parsed, 0, len(p.Versions))
	for raw := range p.Versions {
		v, err := semver.StrictNewVersion(raw)
		if err != nil {
			continue
		}
		versions = append(versions, parsed{raw: raw, v: v})
	}
	if len(versions) == 0 {
		return Result{}
	}

	sort.Slice(versions, func(i, j int) bool {
		if c := versions[i].v.Compare(versions[j].v); c != 0 {
			return c > 0
		}
		// equal precedence (build metadata only): order by raw string so
		// the choice does not depend on map iteration
		return versions[i].raw > versions[j].raw
	})

	latest := versions[0]
	res := Result{Latest: latest.raw}

	for _, candidate := range versions[1:] {
		if candidate.v.LessThan(latest.v) {
			res.Previous = candidate.raw
			break
		}
	}

	if tag := p.DistTags["latest"]; tag != "" {
		if _, ok := p.Versions[tag]; ok {
			if tv, err := semver.StrictNewVersion(tag); err == nil {
				res.DistTag = tag
				res.TagLags = tv.LessThan(latest.v)
			}
		}
	}

	return res
}
