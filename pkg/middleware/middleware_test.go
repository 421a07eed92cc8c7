package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := Metrics(WithMetricsRegistry(reg), WithMetricsNamespace("test"))

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", "/livemorph/call", nil))
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "test_http_requests_total" {
			found = true
			if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 3 {
				t.Errorf("requests_total = %v, want 3", got)
			}
			for _, label := range fam.GetMetric()[0].GetLabel() {
				switch label.GetName() {
				case "path":
					if label.GetValue() != "/livemorph/call" {
						t.Errorf("path label = %q", label.GetValue())
					}
				case "status":
					if label.GetValue() != "204" {
						t.Errorf("status label = %q, want 204", label.GetValue())
					}
				}
			}
		}
	}
	if !found {
		t.Error("test_http_requests_total not registered")
	}
}

func TestMetricsDefaultsStatusToOK(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := Metrics(WithMetricsRegistry(reg))

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	families, _ := reg.Gather()
	for _, fam := range families {
		if fam.GetName() != "livemorph_http_requests_total" {
			continue
		}
		for _, label := range fam.GetMetric()[0].GetLabel() {
			if label.GetName() == "status" && label.GetValue() != "200" {
				t.Errorf("status label = %q, want 200", label.GetValue())
			}
		}
	}
}

func TestMetricsConstLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := Metrics(
		WithMetricsRegistry(reg),
		WithMetricsConstLabels(prometheus.Labels{"region": "eu"}),
	)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	got := testutil.CollectAndCount(reg)
	if got == 0 {
		t.Fatal("no metrics collected")
	}
}

func TestOTelFilterSkipsRequests(t *testing.T) {
	called := false
	mw := OTel(WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/metrics"
	}))

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if !called {
		t.Error("filtered request did not reach the handler")
	}
}

func TestOTelPassesResponseThrough(t *testing.T) {
	mw := OTel()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/pot", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rr.Code)
	}
	if rr.Body.String() != "short and stout" {
		t.Errorf("body = %q", rr.Body.String())
	}
}
