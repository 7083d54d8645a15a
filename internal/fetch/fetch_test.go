package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/jkaninda/yas/internal/resolver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func location(t *testing.T, raw string) resolver.Location {
	t.Helper()
	base, err := resolver.ParseBase(raw)
	if err != nil {
		t.Fatalf("ParseBase(%q): %v", raw, err)
	}
	loc, err := resolver.Resolve(base, raw)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", raw, err)
	}
	return loc
}

func TestFetch_FreshHitSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		fmt.Fprint(w, "1+1")
	}))
	defer srv.Close()

	f := New(Config{CacheDir: filepath.Join(t.TempDir(), "http-cache")}, testLogger())
	loc := location(t, srv.URL+"/3")

	first, err := f.Fetch(context.Background(), loc)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache {
		t.Error("first fetch reported a cache hit")
	}

	second, err := f.Fetch(context.Background(), loc)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache {
		t.Error("second fetch should be served from cache")
	}
	if string(first.Body) != "1+1" || string(second.Body) != "1+1" {
		t.Errorf("bodies = %q, %q; want 1+1", first.Body, second.Body)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestFetch_CachePersistsAcrossFetchers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		fmt.Fprint(w, "body")
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "http-cache")
	loc := location(t, srv.URL+"/tool")

	if _, err := New(Config{CacheDir: dir}, testLogger()).Fetch(context.Background(), loc); err != nil {
		t.Fatal(err)
	}
	resp, err := New(Config{CacheDir: dir}, testLogger()).Fetch(context.Background(), loc)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.FromCache {
		t.Error("second process-equivalent fetch should hit the on-disk cache")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestFetch_RevalidatesStaleEntry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Cache-Control", "no-cache")
		etag := fmt.Sprintf(`"v%d"`, n)
		w.Header().Set("ETag", etag)
		if n > 1 && r.Header.Get("If-None-Match") == "" {
			t.Errorf("request %d carried no validator", n)
		}
		fmt.Fprintf(w, "%d+%d", n, n)
	}))
	defer srv.Close()

	f := New(Config{CacheDir: filepath.Join(t.TempDir(), "http-cache")}, testLogger())
	loc := location(t, srv.URL+"/tool")

	if _, err := f.Fetch(context.Background(), loc); err != nil {
		t.Fatal(err)
	}
	resp, err := f.Fetch(context.Background(), loc)
	if err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
	if string(resp.Body) != "2+2" {
		t.Errorf("body = %q, want latest response 2+2", resp.Body)
	}
}

func TestFetch_NotModifiedServesCachedBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("ETag", `"fixed"`)
		if r.Header.Get("If-None-Match") == `"fixed"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fmt.Fprint(w, "cached body")
	}))
	defer srv.Close()

	f := New(Config{CacheDir: filepath.Join(t.TempDir(), "http-cache")}, testLogger())
	loc := location(t, srv.URL+"/tool")

	if _, err := f.Fetch(context.Background(), loc); err != nil {
		t.Fatal(err)
	}
	resp, err := f.Fetch(context.Background(), loc)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "cached body" {
		t.Errorf("body = %q, want cached body", resp.Body)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
}

func TestFetch_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(Config{}, testLogger())
	_, err := f.Fetch(context.Background(), location(t, srv.URL+"/missing"))

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", se.Code)
	}
}

func TestFetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	loc := location(t, srv.URL+"/gone")
	srv.Close()

	f := New(Config{}, testLogger())
	if _, err := f.Fetch(context.Background(), loc); !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
}

func TestFetch_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "0123456789")
	}))
	defer srv.Close()

	f := New(Config{MaxBodyBytes: 4}, testLogger())
	if _, err := f.Fetch(context.Background(), location(t, srv.URL)); !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
}

func TestFetch_CacheWriteFailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=3600")
		fmt.Fprint(w, "body")
	}))
	defer srv.Close()

	// A regular file where the cache directory should be makes every write fail.
	blocked := filepath.Join(t.TempDir(), "http-cache")
	if err := os.WriteFile(blocked, []byte("not a dir"), 0600); err != nil {
		t.Fatal(err)
	}

	f := New(Config{CacheDir: blocked}, testLogger())
	resp, err := f.Fetch(context.Background(), location(t, srv.URL))
	if err != nil {
		t.Fatalf("fetch should succeed without a cache: %v", err)
	}
	if string(resp.Body) != "body" {
		t.Errorf("body = %q", resp.Body)
	}
	if f.Store().Failures() != 1 {
		t.Errorf("failures = %d, want 1", f.Store().Failures())
	}
}

func TestFetch_StrictCacheFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=3600")
		fmt.Fprint(w, "body")
	}))
	defer srv.Close()

	blocked := filepath.Join(t.TempDir(), "http-cache")
	if err := os.WriteFile(blocked, []byte("not a dir"), 0600); err != nil {
		t.Fatal(err)
	}

	f := New(Config{CacheDir: blocked, Strict: true}, testLogger())
	if _, err := f.Fetch(context.Background(), location(t, srv.URL)); !errors.Is(err, ErrCache) {
		t.Fatalf("error = %v, want ErrCache", err)
	}
}

func TestFetch_NoCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("User-Agent"); got != "yas-test" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Cache-Control", "max-age=3600")
		fmt.Fprint(w, "body")
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "yas-test"}, testLogger())
	if f.Store() != nil {
		t.Fatal("store should be nil without a cache dir")
	}
	loc := location(t, srv.URL)
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), loc); err != nil {
			t.Fatal(err)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
}
