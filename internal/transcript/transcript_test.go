package transcript

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFeed_ForwardsEachIDOnce(t *testing.T) {
	t.Parallel()

	var delivered []string
	feed := NewFeed(func(rec *Record) {
		delivered = append(delivered, rec.ID)
	}, nil)

	if !feed.Offer(&Record{ID: "a", FullText: "one"}) {
		t.Error("first offer of id a rejected")
	}
	if feed.Offer(&Record{ID: "a", FullText: "one, grown longer"}) {
		t.Error("duplicate id a accepted")
	}
	if !feed.Offer(&Record{ID: "b", FullText: "two"}) {
		t.Error("first offer of id b rejected")
	}

	if len(delivered) != 2 || delivered[0] != "a" || delivered[1] != "b" {
		t.Errorf("delivered = %v; want [a b]", delivered)
	}
}

func TestFeed_RejectsNilAndUnidentified(t *testing.T) {
	t.Parallel()

	feed := NewFeed(func(*Record) {
		t.Error("deliver called for invalid record")
	}, nil)

	if feed.Offer(nil) {
		t.Error("nil record accepted")
	}
	if feed.Offer(&Record{FullText: "no id"}) {
		t.Error("record without id accepted")
	}
}

func TestHTTPSource_FetchLatest(t *testing.T) {
	t.Parallel()

	want := Record{
		ID:        "rec-1",
		FullText:  "Hello\n\nWorld",
		SessionID: "sess-9",
		UserID:    "user-3",
		UpdatedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(want)
	}))
	t.Cleanup(srv.Close)

	src := NewHTTPSource(srv.URL, nil)
	got, err := src.FetchLatest(context.Background())
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if got.ID != want.ID || got.FullText != want.FullText || got.SessionID != want.SessionID {
		t.Errorf("record = %+v; want %+v", got, want)
	}
}

func TestHTTPSource_NotFoundMapsToErrNoRecord(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	t.Cleanup(srv.Close)

	src := NewHTTPSource(srv.URL, nil)
	if _, err := src.FetchLatest(context.Background()); err != ErrNoRecord {
		t.Errorf("err = %v; want ErrNoRecord", err)
	}
}

func TestHTTPSource_RetriesOnceOnTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Record{ID: "rec-2", FullText: "ok"})
	}))
	t.Cleanup(srv.Close)

	src := NewHTTPSource(srv.URL, nil, WithFetchBackoff(time.Millisecond))
	rec, err := src.FetchLatest(context.Background())
	if err != nil {
		t.Fatalf("FetchLatest after retry: %v", err)
	}
	if rec.ID != "rec-2" {
		t.Errorf("record id = %q; want rec-2", rec.ID)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d; want 2", got)
	}
}

func TestHTTPSource_SecondFailureReturnsError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	src := NewHTTPSource(srv.URL, nil, WithFetchBackoff(time.Millisecond))
	if _, err := src.FetchLatest(context.Background()); err == nil {
		t.Fatal("FetchLatest should fail after the retry also fails")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d; want exactly 2", got)
	}
}

func TestHTTPSource_PollDedupesThroughFeed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Record{ID: "same", FullText: "again and again"})
	}))
	t.Cleanup(srv.Close)

	var deliveries atomic.Int32
	feed := NewFeed(func(*Record) { deliveries.Add(1) }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	src := NewHTTPSource(srv.URL, nil)
	src.Poll(ctx, 20*time.Millisecond, feed)

	if got := deliveries.Load(); got != 1 {
		t.Errorf("deliveries = %d; want 1 (same id polled repeatedly)", got)
	}
}
