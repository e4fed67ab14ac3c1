package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/pulse-receiver/internal/adapter/memory"
	"github.com/couchcryptid/pulse-receiver/internal/domain"
	"github.com/couchcryptid/pulse-receiver/internal/observability"
	"github.com/couchcryptid/pulse-receiver/internal/pipeline"
)

// --- fakes ---

// fakeSource replays datagrams into the caller's buffer the way a UDP read
// does (truncating to len(buf)), then cancels the run and blocks.
type fakeSource struct {
	datagrams [][]byte
	index     atomic.Int64
	drained   func()
	err       error
}

func (f *fakeSource) ReadDatagram(ctx context.Context, buf []byte) (int, error) {
	i := int(f.index.Add(1) - 1)
	if i >= len(f.datagrams) {
		if f.err != nil {
			return 0, f.err
		}
		if f.drained != nil {
			f.drained()
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return copy(buf, f.datagrams[i]), nil
}

// flakySink fails writes for selected pulse values and stores the rest.
type flakySink struct {
	*memory.Store
	failOn map[int64]error
	calls  atomic.Int64
}

func (f *flakySink) Put(ctx context.Context, r domain.Reading) error {
	f.calls.Add(1)
	if err, ok := f.failOn[r.Value]; ok {
		return err
	}
	return f.Store.Put(ctx, r)
}

// logBuffer collects JSON log lines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) entries(t *testing.T) []map[string]any {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(l.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func (l *logBuffer) count(t *testing.T, level, msg string) int {
	t.Helper()
	n := 0
	for _, e := range l.entries(t) {
		if e["level"] == level && e["msg"] == msg {
			n++
		}
	}
	return n
}

type harness struct {
	store   *memory.Store
	metrics *observability.Metrics
	logs    *logBuffer
	logger  *slog.Logger
}

func newHarness(level string) *harness {
	logs := &logBuffer{}
	return &harness{
		store:   memory.NewStore(),
		metrics: observability.NewUnregisteredMetrics(),
		logs:    logs,
		logger:  observability.NewLogger(logs, level, "json"),
	}
}

func payload(seq, patient, value, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"seqNumber":%d,"patientId":%d,"value":%d,"timestamp":%d}`, seq, patient, value, ts))
}

// run drives the pipeline until the source is drained.
func run(t *testing.T, src *fakeSource, sink pipeline.Sink, h *harness, opts ...pipeline.Option) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src.drained = cancel

	opts = append([]pipeline.Option{pipeline.WithLogger(h.logger), pipeline.WithMetrics(h.metrics)}, opts...)
	p := pipeline.New(src, sink, domain.DefaultThresholds(), opts...)

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, pipeline.StateStopped, p.State())
}

// --- tests ---

func TestPipeline_Run_CriticalHighPersisted(t *testing.T) {
	h := newHarness("INFO")
	src := &fakeSource{datagrams: [][]byte{
		[]byte(`{"seqNumber":1,"patientId":42,"value":215,"timestamp":1000}`),
	}}

	run(t, src, h.store, h)

	got, ok := h.store.Get(42, 1)
	require.True(t, ok)
	assert.Equal(t, domain.Reading{SeqNumber: 1, PatientID: 42, Value: 215, Timestamp: 1000}, got)

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ReadingsClassified.WithLabelValues("CRITICAL_HIGH")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ReadingsPersisted), 0)
	assert.Equal(t, 1, h.logs.count(t, "ERROR", "critical pulse"))
}

func TestPipeline_Run_PersistFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness("INFO")
	sink := &flakySink{Store: h.store, failOn: map[int64]error{150: errors.New("store unavailable")}}
	src := &fakeSource{datagrams: [][]byte{
		payload(1, 42, 150, 1000),
		payload(2, 42, 50, 1001),
	}}

	run(t, src, sink, h)

	assert.Equal(t, int64(2), sink.calls.Load())
	_, ok := h.store.Get(42, 1)
	assert.False(t, ok, "failed write is lost")
	got, ok := h.store.Get(42, 2)
	require.True(t, ok)
	assert.Equal(t, int64(50), got.Value)

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ReadingsClassified.WithLabelValues("NORMAL")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ReadingsClassified.WithLabelValues("WARNING_LOW")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.PersistErrors), 0)
	assert.Equal(t, 1, h.logs.count(t, "ERROR", "persist failed, reading dropped"))
	assert.Equal(t, 1, h.logs.count(t, "WARN", "low pulse"))

	for _, e := range h.logs.entries(t) {
		if e["msg"] == "persist failed, reading dropped" {
			assert.Equal(t, "memory", e["sink"])
			assert.InDelta(t, 42, e["patient_id"], 0)
			assert.Contains(t, e["error"], "store unavailable")
		}
	}
}

func TestPipeline_Run_MalformedThenValid(t *testing.T) {
	h := newHarness("INFO")
	src := &fakeSource{datagrams: [][]byte{
		[]byte(`{"seqNumber":7,"patientId":42,"value":"fast"`),
		payload(8, 42, 80, 1000),
	}}

	run(t, src, h.store, h)

	assert.Equal(t, 1, h.store.Len())
	_, ok := h.store.Get(42, 8)
	assert.True(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.DecodeErrors), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.DatagramsReceived), 0)
	assert.Equal(t, 1, h.logs.count(t, "WARN", "decode failed, dropping datagram"))
}

func TestPipeline_Run_DecodeFailureLogsPartialIdentity(t *testing.T) {
	h := newHarness("INFO")
	bad := []byte(`{"seqNumber":7,"patientId":42,"value":"fast","timestamp":1}`)
	src := &fakeSource{datagrams: [][]byte{bad}}

	run(t, src, h.store, h)

	var found bool
	for _, e := range h.logs.entries(t) {
		if e["msg"] != "decode failed, dropping datagram" {
			continue
		}
		found = true
		assert.InDelta(t, len(bad), e["payload_len"], 0)
		assert.InDelta(t, 7, e["seq_number"], 0)
		assert.InDelta(t, 42, e["patient_id"], 0)
	}
	assert.True(t, found)
}

func TestPipeline_Run_TruncatedDatagram(t *testing.T) {
	h := newHarness("INFO")
	src := &fakeSource{datagrams: [][]byte{
		payload(1, 42, 80, 1000),
	}}

	run(t, src, h.store, h, pipeline.WithBufferSize(32))

	assert.Equal(t, 0, h.store.Len())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.DecodeErrors), 0)
}

func TestPipeline_Run_ReusedBufferShorterDatagram(t *testing.T) {
	h := newHarness("INFO")
	long := []byte(`{"seqNumber":1,"patientId":4242,"value":99,"timestamp":1000,"note":"a fairly long trailing field"}`)
	short := []byte(`{"seqNumber":2,"patientId":5,"value":70,"timestamp":9}`)
	src := &fakeSource{datagrams: [][]byte{long, short}}

	run(t, src, h.store, h)

	got, ok := h.store.Get(5, 2)
	require.True(t, ok)
	assert.Equal(t, domain.Reading{SeqNumber: 2, PatientID: 5, Value: 70, Timestamp: 9}, got)
	assert.Equal(t, 2, h.store.Len())
}

func TestPipeline_Run_NormalReadingsAreQuietAtInfo(t *testing.T) {
	h := newHarness("INFO")
	src := &fakeSource{datagrams: [][]byte{payload(1, 1, 150, 1), payload(2, 1, 100, 2)}}

	run(t, src, h.store, h)

	for _, e := range h.logs.entries(t) {
		assert.Equal(t, "INFO", e["level"], "unexpected entry %v", e)
	}
	assert.Equal(t, 2, h.store.Len())
}

func TestPipeline_Run_TraceLogsPersist(t *testing.T) {
	h := newHarness("TRACE")
	src := &fakeSource{datagrams: [][]byte{payload(1, 1, 150, 1)}}

	run(t, src, h.store, h)

	assert.Equal(t, 1, h.logs.count(t, "TRACE", "reading persisted"))
	assert.Equal(t, 1, h.logs.count(t, "TRACE", "normal pulse"))
	assert.Equal(t, 1, h.logs.count(t, "DEBUG", "reading received"))
}

func TestPipeline_Run_SeverityLogLevels(t *testing.T) {
	h := newHarness("INFO")
	src := &fakeSource{datagrams: [][]byte{
		payload(1, 1, 215, 1),
		payload(2, 1, 30, 2),
		payload(3, 1, 190, 3),
		payload(4, 1, 50, 4),
	}}

	run(t, src, h.store, h)

	assert.Equal(t, 1, h.logs.count(t, "ERROR", "critical pulse"))
	assert.Equal(t, 1, h.logs.count(t, "ERROR", "dangerously low pulse"))
	assert.Equal(t, 1, h.logs.count(t, "WARN", "high pulse"))
	assert.Equal(t, 1, h.logs.count(t, "WARN", "low pulse"))
	assert.Equal(t, 4, h.store.Len())
}

func TestPipeline_Run_SourceErrorIsFatal(t *testing.T) {
	h := newHarness("INFO")
	src := &fakeSource{
		datagrams: [][]byte{payload(1, 1, 80, 1)},
		err:       errors.New("socket closed"),
	}
	p := pipeline.New(src, h.store, domain.DefaultThresholds(), pipeline.WithLogger(h.logger), pipeline.WithMetrics(h.metrics))

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket closed")
	assert.Equal(t, 1, h.store.Len(), "datagram before the failure is still processed")
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	h := newHarness("INFO")
	src := &fakeSource{}
	p := pipeline.New(src, h.store, domain.DefaultThresholds(), pipeline.WithLogger(h.logger), pipeline.WithMetrics(h.metrics))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, 0, h.store.Len())
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.PipelineRunning), 0)
}

func TestPipeline_StateAndReadiness(t *testing.T) {
	h := newHarness("INFO")
	src := &fakeSource{}
	p := pipeline.New(src, h.store, domain.DefaultThresholds(), pipeline.WithLogger(h.logger), pipeline.WithMetrics(h.metrics))

	require.Error(t, p.CheckReadiness(context.Background()))
	assert.Equal(t, "STOPPED", p.State().String())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.State() == pipeline.StateListening
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.PipelineRunning), 0)

	cancel()
	require.NoError(t, <-errCh)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_WorkerPool(t *testing.T) {
	h := newHarness("INFO")
	var datagrams [][]byte
	for i := range 50 {
		datagrams = append(datagrams, payload(int64(i), int64(i%5), 60+int64(i), 1000+int64(i)))
	}
	datagrams = append(datagrams, []byte("garbage"))
	src := &fakeSource{datagrams: datagrams}

	run(t, src, h.store, h, pipeline.WithWorkers(4, 8))

	assert.Equal(t, 50, h.store.Len())
	for i := range 50 {
		got, ok := h.store.Get(int64(i%5), int64(i))
		require.True(t, ok, "reading %d", i)
		assert.Equal(t, 60+int64(i), got.Value)
	}
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.DecodeErrors), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.QueueDepth), 0)
}

func TestPipeline_Run_WorkerPoolCopiesBuffer(t *testing.T) {
	// Each datagram is shorter than the previous one; a worker reading the
	// shared buffer instead of its own copy would see stale trailing bytes.
	h := newHarness("INFO")
	src := &fakeSource{datagrams: [][]byte{
		[]byte(`{"seqNumber":1,"patientId":1,"value":100,"timestamp":1000000,"pad":"xxxxxxxx"}`),
		payload(2, 1, 90, 10),
		payload(3, 1, 8, 1),
	}}

	run(t, src, h.store, h, pipeline.WithWorkers(2, 1))

	require.Equal(t, 3, h.store.Len())
	got, _ := h.store.Get(1, 3)
	assert.Equal(t, domain.Reading{SeqNumber: 3, PatientID: 1, Value: 8, Timestamp: 1}, got)
}

func TestPipeline_Run_PersistErrorPassthrough(t *testing.T) {
	h := newHarness("INFO")
	cause := &domain.PersistError{Backend: "dynamodb", Key: domain.Key{PatientID: 1, SeqNumber: 1}, Err: errors.New("throttled")}
	sink := &flakySink{Store: h.store, failOn: map[int64]error{80: cause}}
	src := &fakeSource{datagrams: [][]byte{payload(1, 1, 80, 1)}}

	run(t, src, sink, h)

	for _, e := range h.logs.entries(t) {
		if e["msg"] == "persist failed, reading dropped" {
			assert.Contains(t, e["error"], "dynamodb")
			assert.Contains(t, e["error"], "throttled")
		}
	}
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.PersistErrors), 0)
}

func TestPipeline_Run_LastDatagramUsesClock(t *testing.T) {
	h := newHarness("INFO")
	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	data := payload(1, 1, 80, 1)
	src := &fakeSource{datagrams: [][]byte{data}}

	run(t, src, h.store, h, pipeline.WithClock(clockwork.NewFakeClockAt(at)))

	assert.InDelta(t, float64(at.Unix()), testutil.ToFloat64(h.metrics.LastDatagram), 0)
	assert.InDelta(t, float64(len(data)), testutil.ToFloat64(h.metrics.BytesReceived), 0)
}
