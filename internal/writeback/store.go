package writeback

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Deathtanium/elastalert2/internal/query"
	"github.com/Deathtanium/elastalert2/internal/util"
)

// Document kinds persisted to the writeback index.
const (
	DocStatus  = "elastalert_status"
	DocAlert   = "elastalert"
	DocError   = "elastalert_error"
	DocSilence = "silence"
)

// Store persists engine state as documents in the search backend. There is
// no other durable storage; restarts recover cursors, silences and pending
// aggregates from here.
type Store struct {
	Client *query.Client
	Index  string
	// Suffixed selects the legacy multi-index layout where status, silence
	// and error docs live in per-kind indices next to the base one.
	Suffixed bool
	// Debug skips all writes and logs the document instead.
	Debug          bool
	MaxAggregation int
}

func NewStore(client *query.Client, index string) *Store {
	return &Store{Client: client, Index: index, MaxAggregation: 10000}
}

// ResolveIndex maps a document kind to the index it is stored in.
func (s *Store) ResolveIndex(docType string) string {
	if !s.Suffixed {
		return s.Index
	}
	switch docType {
	case DocStatus:
		return s.Index + "_status"
	case DocSilence:
		return s.Index + "_silence"
	case DocError:
		return s.Index + "_error"
	default:
		return s.Index
	}
}

// Writeback persists one document and returns its id. Top-level time.Time
// values are rendered as ISO8601 strings and @timestamp is stamped if the
// caller did not set one.
func (s *Store) Writeback(ctx context.Context, docType string, body map[string]any) (string, error) {
	doc := make(map[string]any, len(body)+1)
	for k, v := range body {
		if t, ok := v.(time.Time); ok {
			doc[k] = util.FormatTS(t)
			continue
		}
		doc[k] = v
	}
	if _, ok := doc["@timestamp"]; !ok {
		doc["@timestamp"] = util.FormatTS(util.Now())
	}
	if s.Debug {
		log.Printf("[writeback] skipping write in debug mode: %s %v", docType, doc)
		return "", nil
	}
	id := uuid.NewString()
	if _, err := s.Client.Index(ctx, s.ResolveIndex(docType), id, doc); err != nil {
		return "", fmt.Errorf("writeback %s: %w", docType, err)
	}
	return id, nil
}

// LastRunEndTime returns the endtime of the most recent status document for
// a rule, ignoring entries older than oldQueryLimit.
func (s *Store) LastRunEndTime(ctx context.Context, ruleName string, oldQueryLimit time.Duration) (time.Time, bool, error) {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": map[string]any{"term": map[string]any{"rule_name": ruleName}},
			},
		},
		"sort": []map[string]any{{"@timestamp": map[string]any{"order": "desc"}}},
	}
	res, err := s.Client.Search(ctx, s.ResolveIndex(DocStatus), body, query.SearchOptions{Size: 1})
	if err != nil {
		return time.Time{}, false, err
	}
	if len(res.Hits.Hits) == 0 {
		return time.Time{}, false, nil
	}
	raw, _ := res.Hits.Hits[0].Source["endtime"].(string)
	endtime, err := util.ParseTS(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad endtime in status doc: %w", err)
	}
	if util.Now().Sub(endtime) > oldQueryLimit {
		return time.Time{}, false, nil
	}
	return endtime, true, nil
}

// GetSilence returns the latest persisted silence for key.
func (s *Store) GetSilence(ctx context.Context, key string) (until time.Time, exponent int, found bool, err error) {
	body := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"rule_name": key},
		},
		"sort": []map[string]any{{"until": map[string]any{"order": "desc"}}},
	}
	res, err := s.Client.Search(ctx, s.ResolveIndex(DocSilence), body, query.SearchOptions{Size: 1})
	if err != nil {
		return time.Time{}, 0, false, err
	}
	if len(res.Hits.Hits) == 0 {
		return time.Time{}, 0, false, nil
	}
	src := res.Hits.Hits[0].Source
	raw, _ := src["until"].(string)
	until, err = util.ParseTS(raw)
	if err != nil {
		return time.Time{}, 0, false, fmt.Errorf("bad until in silence doc: %w", err)
	}
	if e, ok := src["exponent"].(float64); ok {
		exponent = int(e)
	}
	return until, exponent, true, nil
}

// SetSilence persists a silence entry for key.
func (s *Store) SetSilence(ctx context.Context, key string, until time.Time, exponent int) error {
	body := map[string]any{
		"rule_name": key,
		"until":     until,
		"exponent":  exponent,
	}
	_, err := s.Writeback(ctx, DocSilence, body)
	return err
}

// PendingAlert is one unsent alert document plus its id.
type PendingAlert struct {
	ID     string
	Source map[string]any
}

// FindRecentPendingAlerts returns unsent non-aggregated alert documents
// whose alert_time falls inside the retry window, oldest first.
func (s *Store) FindRecentPendingAlerts(ctx context.Context, timeLimit time.Duration) ([]PendingAlert, error) {
	now := util.Now()
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": map[string]any{
					"query_string": map[string]any{"query": "!_exists_:aggregate_id AND alert_sent:false"},
				},
				"filter": map[string]any{
					"range": map[string]any{
						"alert_time": map[string]any{
							"from": util.FormatTS(now.Add(-timeLimit)),
							"to":   util.FormatTS(now),
						},
					},
				},
			},
		},
		"sort": []map[string]any{{"alert_time": map[string]any{"order": "asc"}}},
	}
	res, err := s.Client.Search(ctx, s.ResolveIndex(DocAlert), body, query.SearchOptions{Size: 1000})
	if err != nil {
		return nil, err
	}
	out := make([]PendingAlert, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		out = append(out, PendingAlert{ID: h.ID, Source: h.Source})
	}
	return out, nil
}

// FindPendingAggregateAlert returns the head document of an open aggregate
// group for the rule (and aggregation key, when set) whose deadline is
// still in the future. Used to resume groups across restarts.
func (s *Store) FindPendingAggregateAlert(ctx context.Context, ruleName, aggKey string) (*PendingAlert, error) {
	must := []map[string]any{
		{"term": map[string]any{"rule_name": ruleName}},
		{"range": map[string]any{"alert_time": map[string]any{"gt": util.FormatTS(util.Now())}}},
		{"term": map[string]any{"alert_sent": false}},
	}
	if aggKey != "" {
		must = append(must, map[string]any{"term": map[string]any{"aggregation_key": aggKey}})
	}
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": map[string]any{
					"bool": map[string]any{
						"must":     must,
						"must_not": []map[string]any{{"exists": map[string]any{"field": "aggregate_id"}}},
					},
				},
			},
		},
		"sort": []map[string]any{{"@timestamp": map[string]any{"order": "desc"}}},
	}
	res, err := s.Client.Search(ctx, s.ResolveIndex(DocAlert), body, query.SearchOptions{Size: 1})
	if err != nil {
		return nil, err
	}
	if len(res.Hits.Hits) == 0 {
		return nil, nil
	}
	h := res.Hits.Hits[0]
	return &PendingAlert{ID: h.ID, Source: h.Source}, nil
}

// AggregatedMatches collects the match bodies of every document grouped
// under aggregateID, deleting each document as it is consumed.
func (s *Store) AggregatedMatches(ctx context.Context, aggregateID string) ([]map[string]any, error) {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": map[string]any{"term": map[string]any{"aggregate_id": aggregateID}},
			},
		},
	}
	res, err := s.Client.Search(ctx, s.ResolveIndex(DocAlert), body, query.SearchOptions{Size: s.MaxAggregation})
	if err != nil {
		return nil, err
	}
	matches := make([]map[string]any, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		if mb, ok := h.Source["match_body"].(map[string]any); ok {
			matches = append(matches, mb)
		}
		if err := s.DeleteAlert(ctx, h.ID); err != nil {
			log.Printf("[writeback] failed to delete aggregated doc %s: %v", h.ID, err)
		}
	}
	return matches, nil
}

// DeleteAlert removes one alert document.
func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	return s.Client.Delete(ctx, s.ResolveIndex(DocAlert), id)
}

// WaitUntilResponsive polls until the writeback index is reachable and
// exists, or the patience window runs out. An unreachable backend keeps
// polling; a reachable backend without the index fails immediately.
func (s *Store) WaitUntilResponsive(ctx context.Context, patience time.Duration) error {
	idx := s.ResolveIndex(DocStatus)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = patience
	return backoff.Retry(func() error {
		exists, err := s.Client.IndicesExist(ctx, idx)
		if err != nil {
			return err
		}
		if !exists {
			return backoff.Permanent(fmt.Errorf("writeback index %s does not exist", idx))
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
