package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/util"
)

// Options are the window parameters shared by every query form.
type Options struct {
	Start          time.Time
	End            time.Time
	TimestampField string
	Sort           bool
	Desc           bool
	// Timezone converts the rendered window bounds; nil keeps UTC. All
	// internal state stays UTC regardless.
	Timezone *time.Location
}

func (o Options) formatTS(t time.Time) string {
	if o.Timezone != nil {
		return t.In(o.Timezone).Format("2006-01-02T15:04:05.000000Z07:00")
	}
	return util.FormatTS(t)
}

// BaseQuery assembles the filtered window query. Rule filters wrapped in a
// legacy {"query": X} envelope are flattened to X. The range clause is
// half-open, gt start and lte end, so adjacent windows never double-count
// a document on the boundary.
func BaseQuery(filters []map[string]any, o Options) map[string]any {
	must := make([]map[string]any, 0, len(filters)+1)
	if !o.Start.IsZero() && !o.End.IsZero() {
		must = append(must, map[string]any{
			"range": map[string]any{
				o.TimestampField: map[string]any{"gt": o.formatTS(o.Start), "lte": o.formatTS(o.End)},
			},
		})
	}
	for _, f := range filters {
		if inner, ok := f["query"].(map[string]any); ok && len(f) == 1 {
			must = append(must, inner)
			continue
		}
		must = append(must, f)
	}
	q := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": map[string]any{
					"bool": map[string]any{"must": must},
				},
			},
		},
	}
	if o.Sort {
		order := "asc"
		if o.Desc {
			order = "desc"
		}
		q["sort"] = []map[string]any{{o.TimestampField: map[string]any{"order": order}}}
	}
	return q
}

// TermsQuery wraps the window query with a terms aggregation over field.
// Sorting is dropped; only bucket counts come back.
func TermsQuery(filters []map[string]any, o Options, field string, size, minDocCount int) map[string]any {
	o.Sort = false
	q := BaseQuery(filters, o)
	q["aggs"] = map[string]any{
		"counts": map[string]any{
			"terms": map[string]any{
				"field":         field,
				"size":          size,
				"min_doc_count": minDocCount,
			},
		},
	}
	return q
}

// MetricAggQuery embeds the rule's aggregation_query_element, optionally
// inside a date histogram, and nests it under one terms bucket per
// query_key component. Components are applied innermost first so the
// outermost aggregation corresponds to the first key.
func MetricAggQuery(filters []map[string]any, o Options, r *models.Rule, stringMultiField string) map[string]any {
	o.Sort = false
	q := BaseQuery(filters, o)

	aggsElement := r.AggregationQueryElement
	if r.BucketIntervalPeriod != "" {
		histogram := map[string]any{
			"field":          o.TimestampField,
			"fixed_interval": r.BucketIntervalPeriod,
		}
		// A non-zero offset means the window start was not snapped to a
		// bucket boundary; shift the histogram instead.
		if r.BucketOffsetDelta != 0 {
			histogram["offset"] = fmt.Sprintf("+%ds", r.BucketOffsetDelta)
		}
		aggsElement = map[string]any{
			"interval_aggs": map[string]any{
				"date_histogram": histogram,
				"aggs":           r.AggregationQueryElement,
			},
		}
	}
	if r.QueryKey != "" {
		keys := strings.Split(r.QueryKey, ",")
		for i := len(keys) - 1; i >= 0; i-- {
			aggsElement = map[string]any{
				"bucket_aggs": map[string]any{
					"terms": map[string]any{
						"field":         KeywordPostfix(strings.TrimSpace(keys[i]), r.RawCountKeys, stringMultiField),
						"size":          r.TermsSize,
						"min_doc_count": r.MinDocCount,
					},
					"aggs": aggsElement,
				},
			}
		}
	}
	q["aggs"] = aggsElement
	return q
}

// KeywordPostfix appends the multi-field suffix used for exact-value terms
// aggregations on analyzed text fields.
func KeywordPostfix(key string, raw bool, postfix string) string {
	if !raw || strings.HasSuffix(key, postfix) {
		return key
	}
	return key + postfix
}

// EnhanceFilter folds a rule's blacklist or whitelist into its filter list
// as a query_string clause so the exclusion happens backend-side. Blacklist
// terms are ORed; whitelist terms become a negated conjunction.
func EnhanceFilter(r *models.Rule) {
	if !r.FilterByList || r.CompareKey == "" {
		return
	}
	var terms []string
	var isWhitelist bool
	switch {
	case len(r.Blacklist) > 0:
		terms = r.Blacklist
	case len(r.Whitelist) > 0:
		terms = r.Whitelist
		isWhitelist = true
	default:
		return
	}
	clauses := make([]string, 0, len(terms))
	for _, term := range terms {
		// Terms wrapped in slashes are query_string regexes and must stay
		// unquoted.
		if strings.HasPrefix(term, "/") && strings.HasSuffix(term, "/") {
			clauses = append(clauses, fmt.Sprintf("%s:%s", r.CompareKey, term))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s:%q", r.CompareKey, term))
	}
	var queryStr string
	if isWhitelist {
		queryStr = "NOT " + strings.Join(clauses, " AND NOT ")
	} else {
		queryStr = strings.Join(clauses, " OR ")
	}
	r.Filter = append(r.Filter, map[string]any{
		"query_string": map[string]any{"query": queryStr},
	})
}

// QueryKeyFilters builds term filters pinning a query to one query_key
// value. Compound keys arrive as a comma-joined rendering and are matched
// component-wise.
func QueryKeyFilters(r *models.Rule, qk string, stringMultiField string) []map[string]any {
	values := strings.Split(qk, ",")
	if len(values) == 1 {
		field := KeywordPostfix(r.QueryKey, r.RawCountKeys, stringMultiField)
		return []map[string]any{{"term": map[string]any{field: qk}}}
	}
	if len(values) != len(r.CompoundQueryKey) {
		return nil
	}
	filters := make([]map[string]any, 0, len(values))
	for i, key := range r.CompoundQueryKey {
		field := KeywordPostfix(key, r.RawCountKeys, stringMultiField)
		filters = append(filters, map[string]any{
			"term": map[string]any{field: strings.TrimSpace(values[i])},
		})
	}
	return filters
}
