package observe

import (
	"context"
	"reflect"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the Int64 sum data point whose attribute key
// has the given value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", name, key, value)
	return 0
}

func TestNewMetrics_AllInstruments(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Every instrument field must be populated.
	v := reflect.ValueOf(*m)
	for i := range v.NumField() {
		if v.Field(i).IsNil() {
			t.Errorf("instrument %s not created", v.Type().Field(i).Name)
		}
	}
}

func TestLatencyHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLLM(ctx, "interpretation", 1200*time.Millisecond)
	m.RecordLLM(ctx, "image_prompt", 300*time.Millisecond)
	m.RecordLLM(ctx, "interpretation", 900*time.Millisecond)
	m.ImageDuration.Record(ctx, 6.5)
	m.AnalysisDuration.Record(ctx, 7.1)
	m.TranscriptionConnectDuration.Record(ctx, 0.4)

	rm := collect(t, reader)
	counts := map[string]uint64{}
	for _, name := range []string{
		"lucidweaver.llm.duration",
		"lucidweaver.image.duration",
		"lucidweaver.analysis.duration",
		"lucidweaver.transcription.connect.duration",
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		if met.Unit != "s" {
			t.Errorf("%s unit = %q, want s", name, met.Unit)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is %T, want a histogram", name, met.Data)
		}
		for _, dp := range hist.DataPoints {
			task, _ := dp.Attributes.Value("task")
			counts[name+"/"+task.AsString()] += dp.Count
		}
	}

	want := map[string]uint64{
		"lucidweaver.llm.duration/interpretation":     2,
		"lucidweaver.llm.duration/image_prompt":       1,
		"lucidweaver.image.duration/":                 1,
		"lucidweaver.analysis.duration/":              1,
		"lucidweaver.transcription.connect.duration/": 1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("%s samples = %d, want %d", k, counts[k], n)
		}
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "imagen", "images", "ok")
	m.RecordProviderRequest(ctx, "imagen", "images", "ok")
	m.RecordProviderRequest(ctx, "imagen", "images", "error")
	m.RecordProviderError(ctx, "gemini-live", "transcription")
	m.RecordBreakerTransition(ctx, "imagen", "open")
	m.RecordFailover(ctx, "imagen", "openai-fallback")

	rm := collect(t, reader)
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"lucidweaver.provider.requests", "status", "ok", 2},
		{"lucidweaver.provider.requests", "status", "error", 1},
		{"lucidweaver.provider.errors", "provider", "gemini-live", 1},
		{"lucidweaver.circuit_breaker.transitions", "state", "open", 1},
		{"lucidweaver.provider.failovers", "served_by", "openai-fallback", 1},
	}
	for _, tt := range tests {
		if got := sumFor(t, rm, tt.metric, tt.key, tt.value); got != tt.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tt.metric, tt.key, tt.value, got, tt.want)
		}
	}
}

func TestRecordingCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioChunk(ctx, "sent")
	m.RecordAudioChunk(ctx, "sent")
	m.RecordAudioChunk(ctx, "error")
	m.RecordTranscriptionEvent(ctx, "partial_text")
	m.RecordTranscriptionEvent(ctx, "turn_complete")
	m.RecordRecording(ctx, "completed", 3*time.Second)
	m.RecordRecording(ctx, "failed", 0)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "lucidweaver.audio.chunks", "status", "sent"); got != 2 {
		t.Errorf("sent chunks = %d, want 2", got)
	}
	if got := sumFor(t, rm, "lucidweaver.transcription.events", "kind", "turn_complete"); got != 1 {
		t.Errorf("turn_complete events = %d, want 1", got)
	}
	if got := sumFor(t, rm, "lucidweaver.recordings", "outcome", "failed"); got != 1 {
		t.Errorf("failed recordings = %d, want 1", got)
	}

	// Only the completed recording contributes a duration sample.
	met := findMetric(rm, "lucidweaver.recording.duration")
	if met == nil {
		t.Fatal("recording duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("duration samples = %d, want 1", got)
	}
	if got := hist.DataPoints[0].Sum; got != 3 {
		t.Errorf("duration sum = %v, want 3", got)
	}
}

func TestInFlightGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// Two recordings start, one ends; three sockets are open.
	m.ActiveRecordings.Add(ctx, 1)
	m.ActiveRecordings.Add(ctx, 1)
	m.ActiveRecordings.Add(ctx, -1)
	m.ActiveConnections.Add(ctx, 3)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"lucidweaver.active_recordings":  1,
		"lucidweaver.active_connections": 3,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || sum.IsMonotonic {
			t.Fatalf("metric %q is not an up-down counter", name)
		}
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
