package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/knoguchi/doccorpus/internal/repository"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error { return p.err }

type fakeStats struct {
	stats repository.Stats
	err   error
}

func (s *fakeStats) Stats(ctx context.Context) (repository.Stats, error) {
	return s.stats, s.err
}

func newTestServer(db Pinger, stats StatsSource) *HTTPServer {
	return NewHTTPServer(HTTPServerConfig{Port: 0, DB: db, Stats: stats})
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakePinger{}, &fakeStats{})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	s := newTestServer(&fakePinger{}, &fakeStats{})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz_DatabaseDown(t *testing.T) {
	s := newTestServer(&fakePinger{err: fmt.Errorf("connection refused")}, &fakeStats{})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestStatsz(t *testing.T) {
	s := newTestServer(&fakePinger{}, &fakeStats{stats: repository.Stats{
		Pages:          120,
		Chunks:         900,
		PendingCrawl:   7,
		PendingProcess: 3,
	}})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statsz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["pages"] != 120 || body["chunks"] != 900 || body["pending_crawl"] != 7 || body["pending_process"] != 3 {
		t.Errorf("unexpected stats body %v", body)
	}
}

func TestStatsz_Error(t *testing.T) {
	s := newTestServer(&fakePinger{}, &fakeStats{err: fmt.Errorf("query failed")})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statsz", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
