package util

import "testing"

func TestLookupESKey(t *testing.T) {
	doc := map[string]any{
		"simple": "a",
		"nested": map[string]any{"inner": "b"},
		"dotted.segment": map[string]any{
			"leaf": "c",
		},
		"top.level.flat": "d",
	}

	if v := LookupESKey(doc, "simple"); v != "a" {
		t.Errorf("simple: got %v", v)
	}
	if v := LookupESKey(doc, "nested.inner"); v != "b" {
		t.Errorf("nested.inner: got %v", v)
	}
	// A single segment containing dots must resolve via longest prefix.
	if v := LookupESKey(doc, "dotted.segment.leaf"); v != "c" {
		t.Errorf("dotted.segment.leaf: got %v", v)
	}
	// An entire dotted term stored flat at the top level.
	if v := LookupESKey(doc, "top.level.flat"); v != "d" {
		t.Errorf("top.level.flat: got %v", v)
	}
	if v := LookupESKey(doc, "missing.path"); v != nil {
		t.Errorf("missing.path: got %v", v)
	}
	if v := LookupESKey(doc, "nested.absent"); v != nil {
		t.Errorf("nested.absent: got %v", v)
	}
}

func TestSetESKey(t *testing.T) {
	doc := map[string]any{"nested": map[string]any{"ts": "2025-01-01T00:00:00Z"}}
	if !SetESKey(doc, "nested.ts", "replaced") {
		t.Fatal("expected set to succeed")
	}
	if v := LookupESKey(doc, "nested.ts"); v != "replaced" {
		t.Errorf("got %v after set", v)
	}
	if SetESKey(doc, "nested.none", 1) {
		t.Error("set on missing path should report false")
	}
}

func TestCompoundKeyValue(t *testing.T) {
	doc := map[string]any{"user": "alice", "host": map[string]any{"name": "web-1"}}
	if got := CompoundKeyValue(doc, []string{"user", "host.name"}); got != "alice, web-1" {
		t.Errorf("got %q", got)
	}
	if got := CompoundKeyValue(doc, []string{"user", "absent"}); got != "alice, " {
		t.Errorf("missing component: got %q", got)
	}
}
