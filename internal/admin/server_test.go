package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roverhq/rover/internal/admin"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
)

// --- Test helpers ---

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

// --- Tests ---

func TestSetupRouter_Healthz(t *testing.T) {
	snapshot := func(context.Context) (*admin.Snapshot, error) { return &admin.Snapshot{}, nil }
	router := admin.SetupRouter(snapshot, prometheus.NewRegistry(), logger.NewNoOp())

	w := get(t, router, "/healthz")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("body = %q, want ok status", w.Body.String())
	}
}

func TestSetupRouter_Stats(t *testing.T) {
	snapshot := func(context.Context) (*admin.Snapshot, error) {
		return &admin.Snapshot{
			RunID:         "run-42",
			Domains:       3,
			QueuedDomains: 2,
			PendingURLs:   17,
			VisitedPages:  5,
			QueueDepth:    4,
			PagesFetched:  6,
		}, nil
	}
	router := admin.SetupRouter(snapshot, prometheus.NewRegistry(), logger.NewNoOp())

	w := get(t, router, "/stats")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var snap admin.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if snap.RunID != "run-42" {
		t.Errorf("RunID = %q, want run-42", snap.RunID)
	}
	if snap.PendingURLs != 17 {
		t.Errorf("PendingURLs = %d, want 17", snap.PendingURLs)
	}
	if snap.QueueDepth != 4 {
		t.Errorf("QueueDepth = %d, want 4", snap.QueueDepth)
	}
}

func TestSetupRouter_StatsError(t *testing.T) {
	snapshot := func(context.Context) (*admin.Snapshot, error) {
		return nil, errors.New("redis unreachable")
	}
	router := admin.SetupRouter(snapshot, prometheus.NewRegistry(), logger.NewNoOp())

	w := get(t, router, "/stats")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(w.Body.String(), "redis unreachable") {
		t.Errorf("body = %q, want error message", w.Body.String())
	}
}

func TestSetupRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordPageFetched()

	snapshot := func(context.Context) (*admin.Snapshot, error) { return &admin.Snapshot{}, nil }
	router := admin.SetupRouter(snapshot, reg, logger.NewNoOp())

	w := get(t, router, "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "rover_fetch_pages_total 1") {
		t.Errorf("metrics body missing rover_fetch_pages_total, got:\n%s", w.Body.String())
	}
}
