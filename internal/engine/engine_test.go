package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Deathtanium/elastalert2/internal/config"
	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/query"
	"github.com/Deathtanium/elastalert2/internal/silence"
	"github.com/Deathtanium/elastalert2/internal/util"
	"github.com/Deathtanium/elastalert2/internal/writeback"
)

// esStub fakes the search backend. Search responses are routed by request
// path; every write and delete is captured for assertions.
type esStub struct {
	mu       sync.Mutex
	puts     []stubDoc
	deletes  []string
	searches []stubSearch
	// searchFn returns the JSON body for a search request.
	searchFn func(path string, body map[string]any) string
	countFn  func(path string, body map[string]any) int
	// searchStatus overrides the HTTP status of a search when non-zero.
	searchStatus func(path string) int
}

type stubDoc struct {
	Path string
	Body map[string]any
}

type stubSearch struct {
	Path string
	Body map[string]any
}

func (s *esStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&body)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.Method == http.MethodPut:
			s.puts = append(s.puts, stubDoc{Path: r.URL.Path, Body: body})
			fmt.Fprint(w, `{"result":"created"}`)
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/_doc/"):
			s.deletes = append(s.deletes, r.URL.Path)
			fmt.Fprint(w, `{"result":"deleted"}`)
		case r.Method == http.MethodDelete:
			fmt.Fprint(w, `{"succeeded":true}`)
		case strings.Contains(r.URL.Path, "/_count"):
			n := 0
			if s.countFn != nil {
				n = s.countFn(r.URL.Path, body)
			}
			fmt.Fprintf(w, `{"count":%d}`, n)
		case strings.Contains(r.URL.Path, "/_search"):
			s.searches = append(s.searches, stubSearch{Path: r.URL.Path, Body: body})
			if s.searchStatus != nil {
				if code := s.searchStatus(r.URL.Path); code != 0 {
					w.WriteHeader(code)
					fmt.Fprint(w, `{"error":"unavailable"}`)
					return
				}
			}
			if s.searchFn != nil {
				fmt.Fprint(w, s.searchFn(r.URL.Path, body))
				return
			}
			fmt.Fprint(w, emptySearch())
		default:
			fmt.Fprint(w, `{}`)
		}
	}
}

func emptySearch() string {
	return `{"hits":{"total":{"value":0},"hits":[]}}`
}

func hitsResponse(hits ...map[string]any) string {
	wrapped := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		wrapped = append(wrapped, map[string]any{
			"_id":     h["_id"],
			"_index":  "logs",
			"_source": h["_source"],
		})
	}
	out, _ := json.Marshal(map[string]any{
		"hits": map[string]any{"total": map[string]any{"value": len(hits)}, "hits": wrapped},
	})
	return string(out)
}

func newTestEngine(t *testing.T, stub *esStub) *Engine {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	conf := config.Defaults()
	conf.ESURL = srv.URL
	conf.RulesFolder = t.TempDir()
	store := writeback.NewStore(query.NewClient(srv.URL), "elastalert_status")
	sil := silence.NewSilencer(store)
	sil.Debug = true
	return New(conf, store, sil)
}

// collectType matches every event fed to it, like the builtin catch-all
// detector, but lives here so the tests have no loader dependency.
type collectType struct {
	matches []models.Match
	gcCalls []time.Time
}

func (c *collectType) AddData(data []models.Match) { c.matches = append(c.matches, data...) }
func (c *collectType) AddCountData(counts map[time.Time]int) {
	for ts, n := range counts {
		if n > 0 {
			c.matches = append(c.matches, models.Match{"@timestamp": ts, "count": n})
		}
	}
}
func (c *collectType) AddTermsData(map[time.Time][]models.TermsBucket) {}
func (c *collectType) AddAggregationData(map[time.Time]map[string]any) {}
func (c *collectType) GarbageCollect(ts time.Time)                     { c.gcCalls = append(c.gcCalls, ts) }
func (c *collectType) DrainMatches() []models.Match {
	out := c.matches
	c.matches = nil
	return out
}

type countingAlerter struct {
	calls   [][]models.Match
	failErr error
}

func (a *countingAlerter) Alert(matches []models.Match) error {
	if a.failErr != nil {
		return a.failErr
	}
	a.calls = append(a.calls, matches)
	return nil
}
func (a *countingAlerter) GetInfo() map[string]any    { return map[string]any{"type": "counting"} }
func (a *countingAlerter) SetPipeline(map[string]any) {}

func testRule(name string) (*models.Rule, *collectType, *countingAlerter) {
	rt := &collectType{}
	al := &countingAlerter{}
	r := &models.Rule{
		Name:            name,
		IsEnabled:       true,
		Index:           "logs",
		TimestampField:  "@timestamp",
		RunEvery:        time.Minute,
		BufferTime:      15 * time.Minute,
		MaxQuerySize:    100,
		ScrollKeepalive: "30s",
		RawCountKeys:    true,
		Type:            rt,
		Alerters:        []models.Alerter{al},
		State:           models.NewRuleState(),
	}
	return r, rt, al
}

// The first run must resume from the endtime persisted by the previous
// process, and pin minimum_starttime there.
func TestFirstRunResumesFromPersistedCursor(t *testing.T) {
	lastEnd := util.Now().Add(-30 * time.Minute).Truncate(time.Second)
	stub := &esStub{}
	stub.searchFn = func(path string, body map[string]any) string {
		if strings.Contains(path, "elastalert_status") {
			return fmt.Sprintf(
				`{"hits":{"total":{"value":1},"hits":[{"_id":"s1","_source":{"rule_name":"r1","endtime":%q}}]}}`,
				util.FormatTS(lastEnd))
		}
		return emptySearch()
	}
	e := newTestEngine(t, stub)
	r, _, _ := testRule("r1")
	e.SetRules([]*models.Rule{r})

	e.HandleRuleExecution(context.Background(), r)

	if !r.State.MinimumStartTime.Equal(lastEnd) {
		t.Errorf("minimum_starttime: %v want %v", r.State.MinimumStartTime, lastEnd)
	}
	if !r.State.OriginalStartTime.Equal(lastEnd) {
		t.Errorf("original_starttime: %v want %v", r.State.OriginalStartTime, lastEnd)
	}
	if r.State.PreviousEndTime.IsZero() {
		t.Error("previous_endtime not set after run")
	}

	// The rule's search window must start exactly at the resume point.
	var windowStart string
	stub.mu.Lock()
	for _, s := range stub.searches {
		if strings.Contains(s.Path, "/logs/") {
			raw, _ := json.Marshal(s.Body)
			var q struct {
				Query struct {
					Bool struct {
						Filter struct {
							Bool struct {
								Must []map[string]any `json:"must"`
							} `json:"bool"`
						} `json:"filter"`
					} `json:"bool"`
				} `json:"query"`
			}
			json.Unmarshal(raw, &q)
			if windowStart == "" && len(q.Query.Bool.Filter.Bool.Must) > 0 {
				rng := q.Query.Bool.Filter.Bool.Must[0]["range"].(map[string]any)["@timestamp"].(map[string]any)
				windowStart = rng["gt"].(string)
			}
		}
	}
	stub.mu.Unlock()
	if windowStart != util.FormatTS(lastEnd) {
		t.Errorf("window start: %q want %q", windowStart, util.FormatTS(lastEnd))
	}
}

// The same document fetched by two overlapping windows must only produce
// one match.
func TestDuplicateEventsSuppressedAcrossTicks(t *testing.T) {
	ts := util.FormatTS(util.Now().Add(-time.Minute))
	stub := &esStub{}
	stub.searchFn = func(path string, body map[string]any) string {
		if strings.Contains(path, "elastalert_status") {
			return emptySearch()
		}
		return hitsResponse(map[string]any{
			"_id":     "dup-1",
			"_source": map[string]any{"@timestamp": ts, "user": "alice"},
		})
	}
	e := newTestEngine(t, stub)
	r, _, al := testRule("r1")
	e.SetRules([]*models.Rule{r})

	e.HandleRuleExecution(context.Background(), r)
	if len(al.calls) != 1 {
		t.Fatalf("first tick alerts: %d", len(al.calls))
	}
	e.HandleRuleExecution(context.Background(), r)
	if len(al.calls) != 1 {
		t.Errorf("second tick re-alerted on a seen document: %d calls", len(al.calls))
	}
	if _, seen := r.State.ProcessedHits["dup-1"]; !seen {
		t.Error("processed hit not recorded")
	}
}

// A whole-rule silence wins over everything; a per-key silence set by the
// first alert suppresses the second.
func TestSilencePrecedence(t *testing.T) {
	ts := util.FormatTS(util.Now().Add(-time.Minute))
	n := 0
	stub := &esStub{}
	stub.searchFn = func(path string, body map[string]any) string {
		if strings.Contains(path, "elastalert_status") {
			return emptySearch()
		}
		n++
		return hitsResponse(map[string]any{
			"_id":     fmt.Sprintf("ev-%d", n),
			"_source": map[string]any{"@timestamp": ts, "user": "alice"},
		})
	}
	e := newTestEngine(t, stub)
	r, _, al := testRule("r1")
	r.Realert = 5 * time.Minute
	r.RealertKey = "r1"
	e.SetRules([]*models.Rule{r})
	ctx := context.Background()

	// Whole-rule silence set via the CLI surface.
	e.Silencer.SetRealert(ctx, "r1._silence", util.Now().Add(time.Hour), 0)
	e.HandleRuleExecution(ctx, r)
	if len(al.calls) != 0 {
		t.Fatalf("whole-rule silence ignored, %d alerts", len(al.calls))
	}

	// Release the rule silence; first match alerts and arms the per-key
	// silence, so the next one is suppressed.
	e.Silencer.SetRealert(ctx, "r1._silence", util.Now().Add(-time.Hour), 0)
	e.HandleRuleExecution(ctx, r)
	if len(al.calls) != 1 {
		t.Fatalf("expected one alert after releasing silence, got %d", len(al.calls))
	}
	e.HandleRuleExecution(ctx, r)
	if len(al.calls) != 1 {
		t.Errorf("realert window not honored, %d alerts", len(al.calls))
	}
}

// A new aggregate match after a restart must join the pending group from
// the writeback index instead of opening a second one.
func TestAggregateResumesPendingGroup(t *testing.T) {
	headAlertTime := util.Now().Add(5 * time.Minute)
	stub := &esStub{}
	stub.searchFn = func(path string, body map[string]any) string {
		raw, _ := json.Marshal(body)
		if strings.Contains(string(raw), "aggregate_id") && strings.Contains(string(raw), "exists") {
			return fmt.Sprintf(
				`{"hits":{"total":{"value":1},"hits":[{"_id":"head-1","_source":{"rule_name":"r1","alert_time":%q,"alert_sent":false}}]}}`,
				util.FormatTS(headAlertTime))
		}
		return emptySearch()
	}
	e := newTestEngine(t, stub)
	r, _, _ := testRule("r1")
	r.Aggregation = 10 * time.Minute
	e.SetRules([]*models.Rule{r})

	match := models.Match{"@timestamp": util.Now(), "user": "alice"}
	e.addAggregatedAlert(context.Background(), &tickContext{es: e.searchClient(r)}, r, match)

	if r.State.CurrentAggregateID[""] != "head-1" {
		t.Errorf("group id: %q", r.State.CurrentAggregateID[""])
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.puts) != 1 {
		t.Fatalf("writes: %d", len(stub.puts))
	}
	if stub.puts[0].Body["aggregate_id"] != "head-1" {
		t.Errorf("member doc aggregate_id: %v", stub.puts[0].Body["aggregate_id"])
	}
	if stub.puts[0].Body["alert_sent"] != false {
		t.Errorf("member doc alert_sent: %v", stub.puts[0].Body["alert_sent"])
	}
}

// A group whose deadline has passed must not absorb new matches; the next
// match opens a fresh group, even when aggregate_by_match_time pins the
// alert time to old events.
func TestAggregateExpiredGroupOpensNewHead(t *testing.T) {
	stub := &esStub{}
	e := newTestEngine(t, stub)
	r, _, _ := testRule("r1")
	r.Aggregation = 10 * time.Minute
	r.AggregateByMatchTime = true
	e.SetRules([]*models.Rule{r})

	r.State.CurrentAggregateID[""] = "stale-head"
	r.State.AggregateAlertTime[""] = util.Now().Add(-5 * time.Minute)

	match := models.Match{"@timestamp": util.Now().Add(-20 * time.Minute)}
	e.addAggregatedAlert(context.Background(), &tickContext{es: e.searchClient(r)}, r, match)

	if r.State.CurrentAggregateID[""] == "stale-head" {
		t.Error("expired group id survived")
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.puts) != 1 {
		t.Fatalf("writes: %d", len(stub.puts))
	}
	if got, has := stub.puts[0].Body["aggregate_id"]; has {
		t.Errorf("match chained to the expired group %v", got)
	}
}

// A failed writeback keeps the match in memory for the next tick.
func TestAggregateWritebackFailureFallsBackToMemory(t *testing.T) {
	stub := &esStub{}
	e := newTestEngine(t, stub)
	e.Store.Client.BaseURL = "http://127.0.0.1:1" // unreachable
	r, _, _ := testRule("r1")
	r.Aggregation = 10 * time.Minute
	e.SetRules([]*models.Rule{r})

	match := models.Match{"@timestamp": util.Now(), "user": "alice"}
	e.addAggregatedAlert(context.Background(), &tickContext{es: e.searchClient(r)}, r, match)
	if len(r.State.AggMatches) != 1 {
		t.Errorf("in-memory fallback: %d matches", len(r.State.AggMatches))
	}
}

// The sweep dispatches matured pending alerts and deletes their documents.
func TestSendPendingAlerts(t *testing.T) {
	alertTime := util.Now().Add(-time.Minute)
	stub := &esStub{}
	stub.searchFn = func(path string, body map[string]any) string {
		raw, _ := json.Marshal(body)
		if strings.Contains(string(raw), "!_exists_:aggregate_id") {
			return fmt.Sprintf(
				`{"hits":{"total":{"value":1},"hits":[{"_id":"pend-1","_source":{"rule_name":"r1","alert_time":%q,"alert_sent":false,"match_body":{"@timestamp":%q,"user":"alice"}}}]}}`,
				util.FormatTS(alertTime), util.FormatTS(alertTime))
		}
		return emptySearch()
	}
	e := newTestEngine(t, stub)
	r, _, al := testRule("r1")
	e.SetRules([]*models.Rule{r})

	e.SendPendingAlerts(context.Background())

	if len(al.calls) != 1 || len(al.calls[0]) != 1 {
		t.Fatalf("sweep alerts: %v", al.calls)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	found := false
	for _, d := range stub.deletes {
		if strings.Contains(d, "pend-1") {
			found = true
		}
	}
	if !found {
		t.Error("dispatched pending doc not deleted")
	}
}

// Alert documents of one batch chain to the first document's id.
func TestAlertWritebackChain(t *testing.T) {
	stub := &esStub{}
	e := newTestEngine(t, stub)
	r, _, al := testRule("r1")
	e.SetRules([]*models.Rule{r})

	now := util.Now()
	matches := []models.Match{
		{"@timestamp": now, "user": "a"},
		{"@timestamp": now, "user": "b"},
	}
	sent := e.alert(context.Background(), &tickContext{es: e.searchClient(r)}, r, matches, now, false)
	if sent != 1 || len(al.calls) != 1 {
		t.Fatalf("sent=%d calls=%d", sent, len(al.calls))
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.puts) != 2 {
		t.Fatalf("alert docs: %d", len(stub.puts))
	}
	if stub.puts[0].Body["alert_sent"] != true {
		t.Errorf("first doc alert_sent: %v", stub.puts[0].Body["alert_sent"])
	}
	if _, has := stub.puts[0].Body["aggregate_id"]; has {
		t.Error("first doc must not carry aggregate_id")
	}
	firstID := strings.TrimPrefix(stub.puts[0].Path, "/elastalert_status/_doc/")
	if got := stub.puts[1].Body["aggregate_id"]; got != firstID {
		t.Errorf("second doc aggregate_id %v want %v", got, firstID)
	}
}

// A failing alerter records alert_sent false plus the exception text.
func TestAlertFailureRecordsException(t *testing.T) {
	stub := &esStub{}
	e := newTestEngine(t, stub)
	r, _, al := testRule("r1")
	al.failErr = fmt.Errorf("destination unreachable")
	e.SetRules([]*models.Rule{r})

	now := util.Now()
	sent := e.alert(context.Background(), &tickContext{es: e.searchClient(r)}, r,
		[]models.Match{{"@timestamp": now}}, now, false)
	if sent != 0 {
		t.Errorf("sent=%d", sent)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	var doc map[string]any
	for _, p := range stub.puts {
		if p.Body["rule_name"] == "r1" && p.Body["alert_sent"] == false {
			doc = p.Body
		}
	}
	if doc == nil {
		t.Fatal("no unsent alert doc written")
	}
	if got, _ := doc["alert_exception"].(string); !strings.Contains(got, "destination unreachable") {
		t.Errorf("alert_exception: %v", doc["alert_exception"])
	}
}

// Count-mode cursors advance from the previous endtime in run_every steps.
func TestSetStarttimeCountQuery(t *testing.T) {
	stub := &esStub{}
	e := newTestEngine(t, stub)
	r, _, _ := testRule("r1")
	r.UseCountQuery = true
	prev := util.Now().Add(-3 * time.Minute)
	r.State.PreviousEndTime = prev
	r.State.HasRunOnce = true
	r.State.StartTime = prev // non-zero so the persisted-cursor path is skipped

	endtime := util.Now()
	if err := e.setStarttime(context.Background(), r, endtime); err != nil {
		t.Fatal(err)
	}
	if !r.State.StartTime.Equal(prev) {
		t.Errorf("starttime %v want previous endtime %v", r.State.StartTime, prev)
	}
}

// The buffer window never reaches behind minimum_starttime.
func TestSetStarttimeClampsToMinimum(t *testing.T) {
	stub := &esStub{}
	e := newTestEngine(t, stub)
	r, _, _ := testRule("r1")
	minStart := util.Now().Add(-5 * time.Minute)
	r.State.MinimumStartTime = minStart
	r.State.StartTime = minStart

	endtime := util.Now()
	if err := e.setStarttime(context.Background(), r, endtime); err != nil {
		t.Fatal(err)
	}
	// buffer_time is 15m, so the naive window start would be before
	// minimum_starttime; it must clamp.
	if !r.State.StartTime.Equal(minStart) {
		t.Errorf("starttime %v want clamp to %v", r.State.StartTime, minStart)
	}
}

// An uncaught rule error parks the rule when disable_rules_on_error is on.
func TestUncaughtErrorDisablesRule(t *testing.T) {
	stub := &esStub{}
	e := newTestEngine(t, stub)
	e.Conf.DisableRulesOnError = true
	r, _, _ := testRule("r1")
	e.SetRules([]*models.Rule{r})

	e.handleUncaughtError(context.Background(), r, fmt.Errorf("boom"))
	if e.RuleByName("r1") != nil {
		t.Error("rule still active")
	}
	if len(e.DisabledRules()) != 1 {
		t.Errorf("disabled: %d", len(e.DisabledRules()))
	}
	if e.TakeDisabled("r1") == nil {
		t.Error("TakeDisabled did not return the rule")
	}
}

// A backend failure ends the tick early but is an operational error, not an
// uncaught one: the rule stays active so the next tick retries the window,
// even with disable_rules_on_error set.
func TestQueryFailureDoesNotDisableRule(t *testing.T) {
	stub := &esStub{}
	stub.searchStatus = func(path string) int {
		if strings.Contains(path, "/logs/") {
			return http.StatusInternalServerError
		}
		return 0
	}
	e := newTestEngine(t, stub)
	e.Conf.DisableRulesOnError = true
	r, _, al := testRule("r1")
	e.SetRules([]*models.Rule{r})

	e.HandleRuleExecution(context.Background(), r)

	if e.RuleByName("r1") == nil {
		t.Fatal("rule parked after a backend failure")
	}
	if len(e.DisabledRules()) != 0 {
		t.Errorf("disabled rules: %d", len(e.DisabledRules()))
	}
	if len(al.calls) != 0 {
		t.Errorf("alerts sent on a failed query: %d", len(al.calls))
	}
}

// GC skips rules whose tick is in flight and prunes old dedupe entries.
func TestCleanupMemory(t *testing.T) {
	stub := &esStub{}
	e := newTestEngine(t, stub)
	r, _, _ := testRule("r1")
	r.State.ProcessedHits["old"] = util.Now().Add(-time.Hour)
	r.State.ProcessedHits["new"] = util.Now()
	e.SetRules([]*models.Rule{r})

	e.CleanupMemory()
	if _, ok := r.State.ProcessedHits["old"]; ok {
		t.Error("old entry survived GC")
	}
	if _, ok := r.State.ProcessedHits["new"]; !ok {
		t.Error("fresh entry evicted")
	}

	// A held lock must cause a skip, not a stall.
	r.State.ProcessedHits["old2"] = util.Now().Add(-time.Hour)
	r.State.Lock()
	done := make(chan struct{})
	go func() {
		e.CleanupMemory()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("GC blocked on a running tick")
	}
	r.State.Unlock()
	if _, ok := r.State.ProcessedHits["old2"]; !ok {
		t.Error("locked rule was GCed anyway")
	}
}
