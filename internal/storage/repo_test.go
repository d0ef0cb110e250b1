package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "parley.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func ptr(v int) *int { return &v }

func TestRecordAndListQueries(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []QueryRecord{
		{ID: "a", Owner: "chat-1", Provider: "openai", Model: "gpt-4o", InputTokens: ptr(10), OutputTokens: ptr(5), CachedTokens: ptr(2), CreatedAt: base, FinishedAt: base.Add(time.Second)},
		{ID: "b", Owner: "chat-1", Provider: "anthropic", Model: "claude", Empty: true, ExitCode: 7, CreatedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute)},
		{ID: "c", Owner: "chat-2", Provider: "openai", Model: "gpt-4o", InputTokens: ptr(1), CreatedAt: base.Add(2 * time.Minute), FinishedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		if err := st.RecordQuery(ctx, r); err != nil {
			t.Fatalf("record %s: %v", r.ID, err)
		}
	}
	if err := st.RecordQuery(ctx, records[0]); err != nil {
		t.Fatalf("re-record must be a no-op: %v", err)
	}

	got, err := st.RecentQueries(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("unexpected recent queries: %+v", got)
	}
	if got[0].InputTokens != nil || !got[0].Empty || got[0].ExitCode != 7 {
		t.Fatalf("expected unreported tokens to stay nil: %+v", got[0])
	}
	if got[1].InputTokens == nil || *got[1].InputTokens != 10 || !got[1].CreatedAt.Equal(base) {
		t.Fatalf("unexpected first record: %+v", got[1])
	}

	all, err := st.RecentQueries(ctx, "", 1)
	if err != nil || len(all) != 1 || all[0].ID != "c" {
		t.Fatalf("unexpected limited list: %+v err=%v", all, err)
	}

	if _, err := st.GetQuery(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsageByProviderAndPrune(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, r := range []QueryRecord{
		{ID: "1", Provider: "openai", InputTokens: ptr(10), OutputTokens: ptr(4), CachedTokens: ptr(3)},
		{ID: "2", Provider: "openai", InputTokens: ptr(20), OutputTokens: ptr(6)},
		{ID: "3", Provider: "anthropic", Empty: true},
	} {
		r.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		r.FinishedAt = r.CreatedAt
		if err := st.RecordQuery(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	usage, err := st.UsageByProvider(ctx, base)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("expected 2 providers, got %+v", usage)
	}
	if usage[0].Provider != "anthropic" || usage[0].Queries != 1 || usage[0].Empty != 1 || usage[0].InputTokens != 0 {
		t.Fatalf("unexpected anthropic usage: %+v", usage[0])
	}
	if usage[1].Queries != 2 || usage[1].InputTokens != 30 || usage[1].OutputTokens != 10 || usage[1].CachedTokens != 3 {
		t.Fatalf("unexpected openai usage: %+v", usage[1])
	}

	n, err := st.Prune(ctx, base.Add(90*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 pruned, got %d err=%v", n, err)
	}
	left, _ := st.RecentQueries(ctx, "", 0)
	if len(left) != 1 || left[0].ID != "3" {
		t.Fatalf("unexpected remaining queries: %+v", left)
	}
}
