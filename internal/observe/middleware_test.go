package observe

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// The tests below swap the global tracer and logger and must not run in
// parallel.

// dreamMux routes a few API-shaped paths for the middleware to label.
func dreamMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/dreams/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"`+r.PathValue("id")+`"}`)
	})
	mux.HandleFunc("POST /v1/dreams", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "analysis failed", http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMiddleware_NamesSpanAfterRoute(t *testing.T) {
	exp := useTracer(t)
	m, _ := newTestMetrics(t)
	h := Middleware(m)(dreamMux())

	tests := []struct {
		method, path string
		wantName     string
		wantStatus   int
	}{
		{http.MethodGet, "/v1/dreams/3f2a", "GET /v1/dreams/{id}", http.StatusOK},
		{http.MethodGet, "/nowhere", "unmatched", http.StatusNotFound},
	}
	for _, tt := range tests {
		exp.Reset()
		rec := serve(h, tt.method, tt.path)
		if rec.Code != tt.wantStatus {
			t.Fatalf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
		}

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s: got %d spans, want 1", tt.path, len(spans))
		}
		s := spans[0]
		if s.Name != tt.wantName {
			t.Errorf("span name = %q, want %q", s.Name, tt.wantName)
		}
		attrs := attribute.NewSet(s.Attributes...)
		if v, _ := attrs.Value(semconv.HTTPRouteKey); v.AsString() != tt.wantName {
			t.Errorf("http.route = %q, want %q", v.AsString(), tt.wantName)
		}
		if v, _ := attrs.Value(semconv.HTTPResponseStatusCodeKey); v.AsInt64() != int64(tt.wantStatus) {
			t.Errorf("status attribute = %d, want %d", v.AsInt64(), tt.wantStatus)
		}
		if v, _ := attrs.Value(semconv.URLPathKey); v.AsString() != tt.path {
			t.Errorf("url.path = %q, want %q", v.AsString(), tt.path)
		}
	}
}

func TestMiddleware_ServerErrorFailsSpan(t *testing.T) {
	exp := useTracer(t)
	m, _ := newTestMetrics(t)
	h := Middleware(m)(dreamMux())

	serve(h, http.MethodPost, "/v1/dreams")

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	useTracer(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(dreamMux())

	serve(h, http.MethodGet, "/v1/dreams/a")
	serve(h, http.MethodGet, "/v1/dreams/b")

	met := findMetric(collect(t, reader), "lucidweaver.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T, want a histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("got %d series, want 1: dream IDs must not become labels", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("count = %d, want 2", dp.Count)
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "GET /v1/dreams/{id}" {
		t.Errorf("path label = %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value("status"); v.AsInt64() != http.StatusOK {
		t.Errorf("status label = %d, want 200", v.AsInt64())
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	exp := useTracer(t)
	m, _ := newTestMetrics(t)

	const (
		traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		spanID  = "00f067aa0ba902b7"
	)
	var seen string
	h := Middleware(m, WithPropagator(propagation.TraceContext{}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/dreams", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-"+spanID+"-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("handler correlation ID = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
	if got := rec.Header().Get("traceparent"); !strings.Contains(got, traceID) {
		t.Errorf("response traceparent = %q, want trace %s", got, traceID)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Parent.SpanID().String() != spanID {
		t.Errorf("span parent = %v, want remote span %s", spans, spanID)
	}
}

func TestMiddleware_NewTraceWithoutHeader(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)
	h := Middleware(m)(dreamMux())

	rec := serve(h, http.MethodGet, "/v1/dreams/x")
	if cid := rec.Header().Get(CorrelationHeader); len(cid) != 32 {
		t.Errorf("%s = %q, want a 32 character trace ID", CorrelationHeader, cid)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)
	logs := captureLogs(t)
	h := Middleware(m, WithQuietRoutes("GET /healthz"))(dreamMux())

	serve(h, http.MethodGet, "/healthz")
	if strings.Contains(logs.String(), "/healthz") {
		t.Errorf("quiet route logged at info:\n%s", logs)
	}

	serve(h, http.MethodGet, "/v1/dreams/42")
	out := logs.String()
	for _, want := range []string{
		`msg="request completed"`,
		"path=/v1/dreams/42",
		`route="GET /v1/dreams/{id}"`,
		"status=200",
		"bytes=11",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s:\n%s", want, out)
		}
	}
}

func TestMiddleware_FlushPassthrough(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "data: Water\n\n")
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush: %v", err)
		}
	}))

	rec := serve(h, http.MethodPost, "/v1/dreams/1/chat")
	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}

func TestMiddleware_Hijack(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)
	logs := captureLogs(t)

	inner := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: close\r\n\r\n")
		_ = buf.Flush()
	}))
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = io.WriteString(conn, "GET /v1/record HTTP/1.1\r\nHost: test\r\n\r\n")
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(status, "101") {
		t.Errorf("status line = %q, want 101", status)
	}

	<-done
	out := logs.String()
	if !strings.Contains(out, `msg="websocket closed"`) || !strings.Contains(out, "status=101") {
		t.Errorf("upgrade not logged as a closed websocket:\n%s", out)
	}
}
