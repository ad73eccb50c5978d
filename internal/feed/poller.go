// Package feed follows the registry's replication feed and hands changed
// package names to the scan queue.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

const (
	DefaultChangesURL   = "https://replicate.npmjs.com/_changes"
	DefaultReplicateURL = "https://replicate.npmjs.com/"
)

// Batch is one page of the feed.
type Batch struct {
	Events []core.ChangeEvent
	// Next is the sequence to poll from next.
	Next core.Sequence
	// Rows counts every row the feed returned, including reserved and
	// deleted ones missing from Events.
	Rows int
}

// Source is a replication feed.
type Source interface {
	// Poll returns the changes after since, at most limit of them.
	Poll(ctx context.Context, since core.Sequence, limit int) (Batch, error)

	// CurrentSequence returns the feed's latest sequence.
	CurrentSequence(ctx context.Context) (core.Sequence, error)
}

// Poller reads a CouchDB-style _changes endpoint.
type Poller struct {
	changesURL   string
	replicateURL string
	client       *core.Client
}

var _ Source = (*Poller)(nil)

func NewPoller(changesURL, replicateURL string, client *core.Client) *Poller {
	if changesURL == "" {
		changesURL = DefaultChangesURL
	}
	if replicateURL == "" {
		replicateURL = DefaultReplicateURL
	}
	if client == nil {
		client = core.DefaultClient()
	}
	return &Poller{changesURL: changesURL, replicateURL: replicateURL, client: client}
}

type changeRow struct {
	ID      string          `json:"id"`
	Seq     json.RawMessage `json:"seq"`
	Deleted bool            `json:"deleted"`
}

type changesResponse struct {
	Results *[]changeRow    `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// Poll fetches one batch. Reserved documents (ids starting with "_") and
// deletions are dropped. A response without results or last_seq is a
// *core.MalformedResponseError.
func (p *Poller) Poll(ctx context.Context, since core.Sequence, limit int) (Batch, error) {
	pollURL, err := p.pollURL(since, limit)
	if err != nil {
		return Batch{}, err
	}

	var resp changesResponse
	if err := p.client.GetJSON(ctx, pollURL, &resp); err != nil {
		return Batch{}, err
	}
	if resp.Results == nil {
		return Batch{}, &core.MalformedResponseError{URL: pollURL, Reason: "missing results"}
	}
	if isNull(resp.LastSeq) {
		return Batch{}, &core.MalformedResponseError{URL: pollURL, Reason: "missing last_seq"}
	}

	events := make([]core.ChangeEvent, 0, len(*resp.Results))
	for _, row := range *resp.Results {
		if row.ID == "" || IsReserved(row.ID) || row.Deleted {
			continue
		}
		events = append(events, core.ChangeEvent{PackageName: row.ID, Seq: core.Sequence(row.Seq)})
	}
	return Batch{
		Events: events,
		Next:   core.Sequence(resp.LastSeq),
		Rows:   len(*resp.Results),
	}, nil
}

func (p *Poller) pollURL(since core.Sequence, limit int) (string, error) {
	u, err := url.Parse(p.changesURL)
	if err != nil {
		return "", fmt.Errorf("parsing changes URL: %w", err)
	}
	q := u.Query()
	if !since.IsZero() {
		q.Set("since", since.QueryValue())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CurrentSequence reads update_seq from the database info document.
func (p *Poller) CurrentSequence(ctx context.Context) (core.Sequence, error) {
	var info struct {
		UpdateSeq json.RawMessage `json:"update_seq"`
	}
	if err := p.client.GetJSON(ctx, p.replicateURL, &info); err != nil {
		return nil, err
	}
	if isNull(info.UpdateSeq) {
		return nil, &core.MalformedResponseError{URL: p.replicateURL, Reason: "missing update_seq"}
	}
	return core.Sequence(info.UpdateSeq), nil
}

// IsReserved reports whether a feed id names an internal document such as
// "_design/app" rather than a package.
func IsReserved(id string) bool {
	return len(id) > 0 && id[0] == '_'
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
