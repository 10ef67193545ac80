package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry is nil")
	}
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/status", 200, 50*time.Millisecond)
	m.RecordRequest("/v1/status", 200, 100*time.Millisecond)
	m.RecordRequest("/v1/status", 400, 5*time.Millisecond)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/status", "status", "200")
	if val != 2 {
		t.Errorf("expected 2 requests with status 200, got %f", val)
	}

	val = counterValue(t, m.RequestsTotal, "endpoint", "/v1/status", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestRecordCommitAndDrop(t *testing.T) {
	m := New()
	m.RecordFeed("cam0")
	m.RecordFeed("cam0")
	m.RecordDrop("cam0")
	m.RecordCommit("cam0", 3, 4, 12*time.Millisecond)

	fed := counterValue(t, m.FramesFed, "channel", "cam0")
	if fed != 2 {
		t.Errorf("expected 2 fed frames, got %f", fed)
	}
	dropped := counterValue(t, m.FramesDropped, "channel", "cam0")
	if dropped != 1 {
		t.Errorf("expected 1 dropped frame, got %f", dropped)
	}
}

func TestRecordFatalError(t *testing.T) {
	m := New()
	m.RecordFatalError("Engine.commit")
	m.RecordFatalError("Engine.commit")

	val := counterValue(t, m.InferFatalErrors, "op", "Engine.commit")
	if val != 2 {
		t.Errorf("expected 2 fatal errors, got %f", val)
	}
}

func TestSetRingInFlight(t *testing.T) {
	m := New()
	m.SetRingInFlight("input", 2)

	var metric dto.Metric
	g, err := m.RingQueueDepth.GetMetricWith(prometheus.Labels{"ring": "input"})
	if err != nil {
		t.Fatalf("GetMetricWith: %v", err)
	}
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if metric.GetGauge().GetValue() != 2 {
		t.Errorf("expected gauge 2, got %f", metric.GetGauge().GetValue())
	}
}

func TestMiddleware(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/status", "status", "200")
	if val != 1 {
		t.Errorf("expected 1 request recorded, got %f", val)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/status", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/status", 200, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "inference_http_requests_total") {
		t.Error("metrics output missing inference_http_requests_total")
	}
	if !strings.Contains(body, "inference_http_request_duration_seconds") {
		t.Error("metrics output missing inference_http_request_duration_seconds")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output missing go runtime metrics")
	}
}

func TestActiveRequests(t *testing.T) {
	m := New()

	started := make(chan struct{})
	release := make(chan struct{})

	handler := m.Middleware("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}()

	<-started

	var metric dto.Metric
	if err := m.ActiveRequests.Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Errorf("expected 1 active request, got %f", metric.GetGauge().GetValue())
	}

	close(release)
}

// counterValue extracts the value of a counter with the given label pairs.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labelPairs ...string) float64 {
	t.Helper()
	labels := prometheus.Labels{}
	for i := 0; i < len(labelPairs); i += 2 {
		labels[labelPairs[i]] = labelPairs[i+1]
	}
	counter, err := cv.GetMetricWith(labels)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
