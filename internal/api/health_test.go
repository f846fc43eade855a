package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/busytex/internal/runner"
)

func TestHealthAndReadiness(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		state      runner.State
		wantStatus int
		wantBody   healthResponse
	}{
		{"healthz ignores engine", "/healthz", runner.StateUninitialized, http.StatusOK, healthResponse{Status: "ok"}},
		{"ready engine", "/readyz", runner.StateReady, http.StatusOK, healthResponse{Status: "ok", Engine: "ready"}},
		{"engine not started", "/readyz", runner.StateUninitialized, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Engine: "uninitialized"}},
		{"engine terminated", "/readyz", runner.StateTerminated, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Engine: "terminated"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServerWith(t, &stubCompiler{name: "pdflatex", result: pdfResult()}, &fakeEngine{state: tt.state})
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body healthResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body != tt.wantBody {
				t.Errorf("body = %+v, want %+v", body, tt.wantBody)
			}
		})
	}
}

func TestMetricsExposeRouteLabels(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/compiles/01ARZ3NDEKTSV4RRFFQ69G5FAV", "/no-such-route"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("Content-Type = %q, want prometheus exposition", ct)
	}

	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	for _, want := range []string{
		`busytex_http_requests_total{method="GET",route="/v1/compiles/{id}",status="404"}`,
		`route="unmatched"`,
		"busytex_http_request_duration_seconds",
		"busytex_http_response_bytes",
		"busytex_http_requests_in_flight",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
	if strings.Contains(body, "01ARZ3NDEKTSV4RRFFQ69G5FAV") {
		t.Error("compile id leaked into a metric label")
	}
}
