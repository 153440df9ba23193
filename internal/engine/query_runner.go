package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/query"
	"github.com/Deathtanium/elastalert2/internal/util"
)

// runQuery fetches one window of data in the rule's query mode and feeds it
// to the rule type. Plain searches page through results with a scroll loop;
// the scroll id is always released before returning. Reports false when the
// query failed (the failure is recorded, not returned).
func (e *Engine) runQuery(ctx context.Context, tc *tickContext, r *models.Rule, start, end time.Time) bool {
	defer e.clearScroll(ctx, tc, r)

	index := query.GetIndex(r, start, end)
	switch {
	case r.UseCountQuery:
		count, ok := e.getHitsCount(ctx, tc, r, start, end, index)
		if !ok {
			return false
		}
		r.Type.AddCountData(map[time.Time]int{end: count})
	case r.UseTermsQuery:
		buckets, ok := e.getHitsTerms(ctx, tc, r, start, end, index, r.QueryKey, "", r.TermsSize)
		if !ok {
			return false
		}
		if len(buckets) > 0 {
			r.Type.AddTermsData(map[time.Time][]models.TermsBucket{end: buckets})
		}
	case r.AggregationQueryElement != nil:
		payload, ok := e.getHitsAggregation(ctx, tc, r, start, end, index)
		if !ok {
			return false
		}
		if payload != nil {
			r.Type.AddAggregationData(map[time.Time]map[string]any{end: payload})
		}
	default:
		scrolling := false
		for {
			hits, ok := e.getHits(ctx, tc, r, start, end, index, scrolling)
			if !ok {
				return false
			}
			if len(hits) > 0 {
				before := len(hits)
				hits = e.removeDuplicateEvents(r, hits)
				tc.numDupes += before - len(hits)
				r.Type.AddData(hits)
			}
			if r.State.ScrollID == "" || tc.numHits >= tc.totalHits || !e.shouldScrollContinue(r) {
				break
			}
			scrolling = true
		}
	}
	return true
}

func (e *Engine) clearScroll(ctx context.Context, tc *tickContext, r *models.Rule) {
	if r.State.ScrollID == "" {
		return
	}
	if err := tc.es.ClearScroll(ctx, r.State.ScrollID); err != nil {
		log.Printf("[engine] failed to clear scroll for %s: %v", r.Name, err)
	}
	r.State.ScrollID = ""
}

func (e *Engine) shouldScrollContinue(r *models.Rule) bool {
	return !(r.MaxScrollingCount > 0 && r.State.ScrollingCycle >= r.MaxScrollingCount)
}

// getHits runs (or continues) the sorted window search and returns the
// processed page of events.
func (e *Engine) getHits(ctx context.Context, tc *tickContext, r *models.Rule, start, end time.Time, index string, scrolling bool) ([]models.Match, bool) {
	r.State.ScrollingCycle++
	var res *query.SearchResult
	var err error
	if scrolling {
		res, err = tc.es.Scroll(ctx, r.State.ScrollID, r.ScrollKeepalive)
	} else {
		body := query.BaseQuery(r.Filter, e.queryOptions(r, start, end, true))
		size := r.MaxQuerySize
		res, err = tc.es.Search(ctx, index, body, query.SearchOptions{
			Size:           size,
			Scroll:         r.ScrollKeepalive,
			SourceIncludes: r.Include,
		})
	}
	if err != nil {
		e.recordQueryError(ctx, r, err)
		return nil, false
	}
	if !scrolling {
		tc.totalHits = res.Hits.Total.Value
	}
	tc.numHits += len(res.Hits.Hits)
	log.Printf("[engine] Queried rule %s from %s to %s: %d / %d hits", r.Name,
		util.PrettyTS(start), util.PrettyTS(end), tc.numHits, len(res.Hits.Hits))
	if res.ScrollID != "" {
		r.State.ScrollID = res.ScrollID
	}
	hits, err := processHits(r, res.Hits.Hits)
	if err != nil {
		e.recordQueryError(ctx, r, err)
		return nil, false
	}
	return hits, true
}

// getHitsCount runs the unsorted window query through the count API.
func (e *Engine) getHitsCount(ctx context.Context, tc *tickContext, r *models.Rule, start, end time.Time, index string) (int, bool) {
	opts := e.queryOptions(r, start, end, false)
	count, err := tc.es.Count(ctx, index, query.BaseQuery(r.Filter, opts))
	if err != nil {
		e.recordQueryError(ctx, r, err)
		return 0, false
	}
	tc.numHits += count
	log.Printf("[engine] Queried rule %s from %s to %s: %d hits", r.Name,
		util.PrettyTS(start), util.PrettyTS(end), count)
	return count, true
}

// getHitsTerms runs a terms aggregation over field, optionally pinned to
// one query_key value. Also serves the top-count enrichment.
func (e *Engine) getHitsTerms(ctx context.Context, tc *tickContext, r *models.Rule, start, end time.Time, index, field, qk string, size int) ([]models.TermsBucket, bool) {
	filters := append([]map[string]any(nil), r.Filter...)
	if qk != "" {
		filters = append(filters, query.QueryKeyFilters(r, qk, e.Conf.StringMultiFieldName)...)
	}
	keyField := query.KeywordPostfix(field, r.RawCountKeys, e.Conf.StringMultiFieldName)
	body := query.TermsQuery(filters, e.queryOptions(r, start, end, false), keyField, size, r.MinDocCount)
	res, err := tc.es.Search(ctx, index, body, query.SearchOptions{Size: 0})
	if err != nil {
		e.recordQueryError(ctx, r, err)
		return nil, false
	}
	counts, ok := res.Aggregations["counts"].(map[string]any)
	if !ok {
		return nil, true
	}
	rawBuckets, _ := counts["buckets"].([]any)
	buckets := make([]models.TermsBucket, 0, len(rawBuckets))
	for _, rb := range rawBuckets {
		b, ok := rb.(map[string]any)
		if !ok {
			continue
		}
		docCount := 0
		if dc, ok := b["doc_count"].(float64); ok {
			docCount = int(dc)
		}
		buckets = append(buckets, models.TermsBucket{Key: b["key"], DocCount: docCount})
	}
	tc.numHits += len(buckets)
	log.Printf("[engine] Queried rule %s from %s to %s: %d buckets", r.Name,
		util.PrettyTS(start), util.PrettyTS(end), len(buckets))
	return buckets, true
}

// getHitsAggregation runs the metric aggregation query and returns the raw
// aggregations payload. The hit counter advances by the matched document
// total rather than the bucket count.
func (e *Engine) getHitsAggregation(ctx context.Context, tc *tickContext, r *models.Rule, start, end time.Time, index string) (map[string]any, bool) {
	body := query.MetricAggQuery(r.Filter, e.queryOptions(r, start, end, false), r, e.Conf.StringMultiFieldName)
	res, err := tc.es.Search(ctx, index, body, query.SearchOptions{Size: 0})
	if err != nil {
		e.recordQueryError(ctx, r, err)
		return nil, false
	}
	tc.numHits += res.Hits.Total.Value
	log.Printf("[engine] Queried rule %s from %s to %s: %d hits", r.Name,
		util.PrettyTS(start), util.PrettyTS(end), res.Hits.Total.Value)
	return res.Aggregations, true
}

func (e *Engine) queryOptions(r *models.Rule, start, end time.Time, sort bool) query.Options {
	o := query.Options{
		Start:          start,
		End:            end,
		TimestampField: r.TimestampField,
		Sort:           sort,
	}
	if r.QueryTimezone != "" {
		if loc, err := time.LoadLocation(r.QueryTimezone); err == nil {
			o.Timezone = loc
		} else {
			log.Printf("[engine] bad query_timezone %q for %s: %v", r.QueryTimezone, r.Name, err)
		}
	}
	return o
}

func (e *Engine) recordQueryError(ctx context.Context, r *models.Rule, err error) {
	msg := util.TruncateErrorText(err.Error(), 1024)
	e.handleError(ctx, fmt.Sprintf("Error running query: %s", msg), map[string]any{"rule": r.Name, "query": r.Index})
}

// processHits flattens raw hits into match dicts: doc-value fields merged
// into _source, the timestamp normalized to time.Time, metadata fields
// tacked on, and compound key renderings precomputed.
func processHits(r *models.Rule, hits []query.Hit) ([]models.Match, error) {
	out := make([]models.Match, 0, len(hits))
	for _, hit := range hits {
		src := hit.Source
		if src == nil {
			src = make(map[string]any)
		}
		for key, value := range hit.Fields {
			if _, exists := src[key]; exists {
				continue
			}
			// Doc-value fields come back as lists; a length-1 list is
			// almost always a scalar in the document.
			if list, ok := value.([]any); ok && len(list) == 1 {
				src[key] = list[0]
				continue
			}
			src[key] = value
		}
		rawTS := util.LookupESKey(src, r.TimestampField)
		if rawTS == nil {
			return nil, fmt.Errorf("could not find timestamp field %q in hit %s", r.TimestampField, hit.ID)
		}
		ts, err := normalizeTS(rawTS)
		if err != nil {
			return nil, fmt.Errorf("hit %s: %w", hit.ID, err)
		}
		if !util.SetESKey(src, r.TimestampField, ts) {
			src[r.TimestampField] = ts
		}
		src["_id"] = hit.ID
		src["_index"] = hit.Index
		if hit.Type != "" {
			src["_type"] = hit.Type
		}
		if len(r.CompoundQueryKey) > 0 {
			src[r.QueryKey] = util.CompoundKeyValue(src, r.CompoundQueryKey)
		}
		if len(r.CompoundAggregationKey) > 0 {
			src[r.AggregationKey] = util.CompoundKeyValue(src, r.CompoundAggregationKey)
		}
		out = append(out, src)
	}
	return out, nil
}

func normalizeTS(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return util.ParseTS(t)
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unparseable timestamp %v", v)
	}
}

// removeDuplicateEvents drops events already fed to the rule type in an
// earlier, overlapping window and records the rest for future dedupe.
func (e *Engine) removeDuplicateEvents(r *models.Rule, events []models.Match) []models.Match {
	fresh := events[:0]
	for _, ev := range events {
		id, _ := ev["_id"].(string)
		if _, seen := r.State.ProcessedHits[id]; seen {
			continue
		}
		fresh = append(fresh, ev)
		if ts, ok := r.MatchTime(ev); ok {
			r.State.ProcessedHits[id] = ts
		} else {
			r.State.ProcessedHits[id] = util.Now()
		}
	}
	return fresh
}
