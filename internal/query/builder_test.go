package query

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Deathtanium/elastalert2/internal/models"
)

var testWindow = Options{
	Start:          time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	End:            time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC),
	TimestampField: "@timestamp",
	Sort:           true,
}

func mustOf(t *testing.T, q map[string]any) []any {
	t.Helper()
	boolQ := q["query"].(map[string]any)["bool"].(map[string]any)
	filter := boolQ["filter"].(map[string]any)["bool"].(map[string]any)
	return filter["must"].([]any)
}

// round-trips through JSON so nested types normalize to map[string]any
func normalize(t *testing.T, q map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestBaseQueryShape(t *testing.T) {
	filters := []map[string]any{{"term": map[string]any{"level": "error"}}}
	q := normalize(t, BaseQuery(filters, testWindow))

	must := mustOf(t, q)
	if len(must) != 2 {
		t.Fatalf("must clauses: %d", len(must))
	}
	rng := must[0].(map[string]any)["range"].(map[string]any)["@timestamp"].(map[string]any)
	if rng["gt"] != "2025-06-01T10:00:00.000000Z" {
		t.Errorf("gt: %v", rng["gt"])
	}
	if rng["lte"] != "2025-06-01T10:15:00.000000Z" {
		t.Errorf("lte: %v", rng["lte"])
	}
	sort := q["sort"].([]any)[0].(map[string]any)["@timestamp"].(map[string]any)
	if sort["order"] != "asc" {
		t.Errorf("order: %v", sort["order"])
	}
}

func TestBaseQueryFlattensLegacyFilters(t *testing.T) {
	filters := []map[string]any{
		{"query": map[string]any{"query_string": map[string]any{"query": "status:500"}}},
	}
	q := normalize(t, BaseQuery(filters, testWindow))
	must := mustOf(t, q)
	clause := must[1].(map[string]any)
	if _, ok := clause["query_string"]; !ok {
		t.Errorf("legacy envelope not flattened: %v", clause)
	}
}

func TestBaseQueryNoWindow(t *testing.T) {
	q := normalize(t, BaseQuery(nil, Options{TimestampField: "@timestamp"}))
	if got := len(mustOf(t, q)); got != 0 {
		t.Errorf("expected empty must, got %d clauses", got)
	}
	if _, ok := q["sort"]; ok {
		t.Error("sort present without Sort option")
	}
}

func TestTermsQuery(t *testing.T) {
	q := normalize(t, TermsQuery(nil, testWindow, "user.keyword", 50, 1))
	if _, ok := q["sort"]; ok {
		t.Error("terms query must not sort")
	}
	terms := q["aggs"].(map[string]any)["counts"].(map[string]any)["terms"].(map[string]any)
	if terms["field"] != "user.keyword" {
		t.Errorf("field: %v", terms["field"])
	}
	if terms["size"].(float64) != 50 || terms["min_doc_count"].(float64) != 1 {
		t.Errorf("size/min_doc_count: %v %v", terms["size"], terms["min_doc_count"])
	}
}

func TestMetricAggQueryNestsCompoundKeysInnermostFirst(t *testing.T) {
	r := &models.Rule{
		AggregationQueryElement: map[string]any{"metric_cpu_avg": map[string]any{"avg": map[string]any{"field": "cpu"}}},
		QueryKey:                "dc,host",
		CompoundQueryKey:        []string{"dc", "host"},
		TermsSize:               50,
		MinDocCount:             1,
		RawCountKeys:            true,
	}
	q := normalize(t, MetricAggQuery(nil, testWindow, r, ".keyword"))

	outer := q["aggs"].(map[string]any)["bucket_aggs"].(map[string]any)
	if f := outer["terms"].(map[string]any)["field"]; f != "dc.keyword" {
		t.Errorf("outermost bucket field: %v", f)
	}
	inner := outer["aggs"].(map[string]any)["bucket_aggs"].(map[string]any)
	if f := inner["terms"].(map[string]any)["field"]; f != "host.keyword" {
		t.Errorf("inner bucket field: %v", f)
	}
	if _, ok := inner["aggs"].(map[string]any)["metric_cpu_avg"]; !ok {
		t.Error("metric element not innermost")
	}
}

func TestMetricAggQueryBucketInterval(t *testing.T) {
	r := &models.Rule{
		AggregationQueryElement: map[string]any{"metric_cpu_avg": map[string]any{"avg": map[string]any{"field": "cpu"}}},
		BucketIntervalPeriod:    "1m",
		BucketOffsetDelta:       42,
	}
	q := normalize(t, MetricAggQuery(nil, testWindow, r, ".keyword"))
	hist := q["aggs"].(map[string]any)["interval_aggs"].(map[string]any)["date_histogram"].(map[string]any)
	if hist["fixed_interval"] != "1m" {
		t.Errorf("fixed_interval: %v", hist["fixed_interval"])
	}
	if hist["offset"] != "+42s" {
		t.Errorf("offset: %v", hist["offset"])
	}

	// A window snapped to the bucket boundary carries no offset.
	r.BucketOffsetDelta = 0
	r.SyncBucketInterval = true
	q = normalize(t, MetricAggQuery(nil, testWindow, r, ".keyword"))
	hist = q["aggs"].(map[string]any)["interval_aggs"].(map[string]any)["date_histogram"].(map[string]any)
	if _, ok := hist["offset"]; ok {
		t.Errorf("synced window must not shift the histogram, got offset %v", hist["offset"])
	}
}

func TestEnhanceFilterWhitelist(t *testing.T) {
	r := &models.Rule{
		CompareKey:   "user",
		Whitelist:    []string{"alice", "bob"},
		FilterByList: true,
	}
	EnhanceFilter(r)
	if len(r.Filter) != 1 {
		t.Fatalf("filters: %d", len(r.Filter))
	}
	qs := r.Filter[0]["query_string"].(map[string]any)["query"].(string)
	if qs != `NOT user:"alice" AND NOT user:"bob"` {
		t.Errorf("whitelist query: %s", qs)
	}
}

func TestEnhanceFilterBlacklist(t *testing.T) {
	r := &models.Rule{
		CompareKey:   "user",
		Blacklist:    []string{"eve", "mallory"},
		FilterByList: true,
	}
	EnhanceFilter(r)
	qs := r.Filter[0]["query_string"].(map[string]any)["query"].(string)
	if qs != `user:"eve" OR user:"mallory"` {
		t.Errorf("blacklist query: %s", qs)
	}
}

func TestEnhanceFilterRegexTerms(t *testing.T) {
	r := &models.Rule{
		CompareKey:   "user",
		Blacklist:    []string{"/ad.*istrator/", "eve"},
		FilterByList: true,
	}
	EnhanceFilter(r)
	qs := r.Filter[0]["query_string"].(map[string]any)["query"].(string)
	if qs != `user:/ad.*istrator/ OR user:"eve"` {
		t.Errorf("regex blacklist query: %s", qs)
	}
}

func TestEnhanceFilterDisabled(t *testing.T) {
	r := &models.Rule{CompareKey: "user", Whitelist: []string{"a"}, FilterByList: false}
	EnhanceFilter(r)
	if len(r.Filter) != 0 {
		t.Error("filter_by_list false must not touch filters")
	}
}

func TestQueryKeyFilters(t *testing.T) {
	r := &models.Rule{QueryKey: "user", RawCountKeys: true}
	fs := QueryKeyFilters(r, "alice", ".keyword")
	if len(fs) != 1 {
		t.Fatalf("filters: %d", len(fs))
	}
	if fs[0]["term"].(map[string]any)["user.keyword"] != "alice" {
		t.Errorf("term filter: %v", fs[0])
	}

	r = &models.Rule{QueryKey: "dc,host", CompoundQueryKey: []string{"dc", "host"}, RawCountKeys: true}
	fs = QueryKeyFilters(r, "us-east, web-1", ".keyword")
	if len(fs) != 2 {
		t.Fatalf("compound filters: %d", len(fs))
	}
	if fs[1]["term"].(map[string]any)["host.keyword"] != "web-1" {
		t.Errorf("compound second term: %v", fs[1])
	}
}

func TestKeywordPostfix(t *testing.T) {
	if got := KeywordPostfix("user", true, ".keyword"); got != "user.keyword" {
		t.Errorf("got %q", got)
	}
	if got := KeywordPostfix("user.keyword", true, ".keyword"); got != "user.keyword" {
		t.Errorf("already postfixed: %q", got)
	}
	if got := KeywordPostfix("user", false, ".keyword"); got != "user" {
		t.Errorf("raw off: %q", got)
	}
}

func TestQueryTimezoneRendering(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	o := testWindow
	o.Timezone = loc
	q := normalize(t, BaseQuery(nil, o))
	rng := mustOf(t, q)[0].(map[string]any)["range"].(map[string]any)["@timestamp"].(map[string]any)
	if !strings.HasSuffix(rng["gt"].(string), "+02:00") {
		t.Errorf("gt not zone shifted: %v", rng["gt"])
	}
	if !strings.HasPrefix(rng["gt"].(string), "2025-06-01T12:00:00") {
		t.Errorf("gt wall clock: %v", rng["gt"])
	}
}
