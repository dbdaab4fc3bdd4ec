package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"log-anomaly-engine/storage"
)

type recordingWriter struct {
	mu     sync.Mutex
	counts map[string]map[int64]storage.Counts
	err    error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{counts: make(map[string]map[int64]storage.Counts)}
}

func (w *recordingWriter) AddCounts(ctx context.Context, service string, minute time.Time, c storage.Counts) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.counts[service] == nil {
		w.counts[service] = make(map[int64]storage.Counts)
	}
	w.counts[service][minute.Unix()] = w.counts[service][minute.Unix()].Add(c)
	return nil
}

func (w *recordingWriter) get(service string, minute time.Time) storage.Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[service][minute.Unix()]
}

func newTestProcessor(t *testing.T, writer storage.CounterWriter, batchSize int) *StreamProcessor {
	t.Helper()
	log, _ := test.NewNullLogger()
	sp := NewStreamProcessor(writer, 100, batchSize, 0, log)
	require.NoError(t, sp.Start(context.Background()))
	t.Cleanup(sp.Stop)
	return sp
}

func TestDataValidator_ValidateEvent(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	validator := NewDataValidator()
	validator.now = func() time.Time { return now }

	tests := []struct {
		name    string
		event   LogEvent
		wantErr bool
	}{
		{"valid", LogEvent{Timestamp: now, Service: "api", Level: "INFO", Message: "ok"}, false},
		{"lowercase level", LogEvent{Timestamp: now, Service: "api", Level: "error"}, false},
		{"missing service", LogEvent{Timestamp: now, Level: "INFO"}, true},
		{"reserved service", LogEvent{Timestamp: now, Service: storage.AllServices, Level: "INFO"}, true},
		{"unknown level", LogEvent{Timestamp: now, Service: "api", Level: "LOUD"}, true},
		{"future timestamp", LogEvent{Timestamp: now.Add(2 * time.Hour), Service: "api", Level: "INFO"}, true},
		{"old timestamp", LogEvent{Timestamp: now.Add(-8 * 24 * time.Hour), Service: "api", Level: "INFO"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateEvent(tt.event)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDataValidator_AllowedLevels(t *testing.T) {
	validator := NewDataValidator()
	validator.SetAllowedLevels([]string{"error"})

	assert.NoError(t, validator.ValidateEvent(LogEvent{Timestamp: time.Now(), Service: "api", Level: "ERROR"}))
	assert.Error(t, validator.ValidateEvent(LogEvent{Timestamp: time.Now(), Service: "api", Level: "INFO"}))
}

func TestParseLine(t *testing.T) {
	event, err := ParseLine("2026-10-14 11:59:02 ERROR [payment-service] card declined: insufficient funds")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 10, 14, 11, 59, 2, 0, time.UTC), event.Timestamp)
	assert.Equal(t, "ERROR", event.Level)
	assert.Equal(t, "payment-service", event.Service)
	assert.Equal(t, "card declined: insufficient funds", event.Message)
	assert.True(t, event.IsError())

	_, err = ParseLine("not a log line")
	assert.Error(t, err)
}

func TestStreamProcessor_AggregatesPerMinute(t *testing.T) {
	writer := newRecordingWriter()
	sp := newTestProcessor(t, writer, 50)
	ctx := context.Background()

	minute := time.Now().UTC().Truncate(time.Minute).Add(-5 * time.Minute)
	events := []LogEvent{
		{Timestamp: minute.Add(5 * time.Second), Service: "api", Level: "INFO"},
		{Timestamp: minute.Add(10 * time.Second), Service: "api", Level: "ERROR"},
		{Timestamp: minute.Add(20 * time.Second), Service: "auth", Level: "critical"},
		{Timestamp: minute.Add(70 * time.Second), Service: "api", Level: "WARN"},
	}
	result := sp.IngestBatch(ctx, events)
	assert.Equal(t, 4, result.Accepted)
	assert.Zero(t, result.Rejected)
	assert.Equal(t, 4, sp.GetBufferSize())

	sp.Flush(ctx)
	assert.Zero(t, sp.GetBufferSize())

	assert.Equal(t, storage.Counts{Total: 2, Errors: 1}, writer.get("api", minute))
	assert.Equal(t, storage.Counts{Total: 1, Errors: 1}, writer.get("auth", minute))
	assert.Equal(t, storage.Counts{Total: 3, Errors: 2}, writer.get(storage.AllServices, minute))
	assert.Equal(t, storage.Counts{Total: 1}, writer.get(storage.AllServices, minute.Add(time.Minute)))

	stats := sp.GetStats()
	assert.Equal(t, int64(4), stats.TotalIngested)
	assert.Equal(t, int64(4), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.BatchesProcessed)
}

func TestStreamProcessor_FlushesOnBatchSize(t *testing.T) {
	writer := newRecordingWriter()
	sp := newTestProcessor(t, writer, 3)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, sp.Ingest(ctx, LogEvent{Timestamp: now, Service: "api", Level: "INFO"}))
	}

	assert.Zero(t, sp.GetBufferSize())
	assert.Equal(t, int64(3), writer.get("api", now.Truncate(time.Minute)).Total)
}

func TestStreamProcessor_BatchFlushOutlivesCaller(t *testing.T) {
	writer := newRecordingWriter()
	sp := newTestProcessor(t, writer, 2)

	now := time.Now().UTC()
	require.NoError(t, sp.Ingest(context.Background(), LogEvent{Timestamp: now, Service: "a", Level: "INFO"}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sp.Ingest(cancelled, LogEvent{Timestamp: now, Service: "a", Level: "INFO"}))

	assert.Zero(t, sp.GetBufferSize())
	assert.Equal(t, int64(2), writer.get("a", now.Truncate(time.Minute)).Total)
	assert.Zero(t, sp.GetStats().TotalErrors)
}

func TestStreamProcessor_Restart(t *testing.T) {
	writer := newRecordingWriter()
	log, _ := test.NewNullLogger()
	sp := NewStreamProcessor(writer, 100, 50, 10*time.Millisecond, log)

	require.NoError(t, sp.Start(context.Background()))
	sp.Stop()
	require.NoError(t, sp.Start(context.Background()))
	defer sp.Stop()

	now := time.Now().UTC()
	require.NoError(t, sp.Ingest(context.Background(), LogEvent{Timestamp: now, Service: "api", Level: "INFO"}))

	assert.Eventually(t, func() bool {
		return writer.get("api", now.Truncate(time.Minute)).Total == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStreamProcessor_RejectsInvalid(t *testing.T) {
	sp := newTestProcessor(t, newRecordingWriter(), 10)
	ctx := context.Background()

	result := sp.IngestBatch(ctx, []LogEvent{
		{Timestamp: time.Now(), Service: "api", Level: "INFO"},
		{Timestamp: time.Now(), Level: "INFO"},
		{Timestamp: time.Now(), Service: "api", Level: "SHOUT"},
	})

	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 2, result.Rejected)
	assert.Len(t, result.Errors, 2)
	assert.Equal(t, int64(2), sp.GetStats().TotalErrors)

	assert.Error(t, sp.IngestJSON(ctx, []byte("{broken")))
}

func TestStreamProcessor_IngestLines(t *testing.T) {
	writer := newRecordingWriter()
	sp := newTestProcessor(t, writer, 10)
	ctx := context.Background()

	ts := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	stamp := ts.Format("2006-01-02 15:04:05")
	text := stamp + " INFO [orders] created\n\n" +
		stamp + " ERROR [orders] failed\n" +
		"garbage\n"

	result := sp.IngestLines(ctx, text)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Rejected)

	sp.Flush(ctx)
	assert.Equal(t, storage.Counts{Total: 2, Errors: 1}, writer.get("orders", ts.Truncate(time.Minute)))
}

func TestStreamProcessor_WriterErrors(t *testing.T) {
	writer := newRecordingWriter()
	writer.err = errors.New("disk full")
	sp := newTestProcessor(t, writer, 10)
	ctx := context.Background()

	require.NoError(t, sp.Ingest(ctx, LogEvent{Timestamp: time.Now(), Service: "api", Level: "INFO"}))
	sp.Flush(ctx)

	stats := sp.GetStats()
	assert.Zero(t, stats.TotalProcessed)
	assert.Equal(t, int64(2), stats.TotalErrors)
}

func TestStreamProcessor_NotRunning(t *testing.T) {
	sp := NewStreamProcessor(newRecordingWriter(), 10, 5, 0, nil)

	err := sp.Ingest(context.Background(), LogEvent{Timestamp: time.Now(), Service: "api", Level: "INFO"})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, sp.IsRunning())
}

func TestStreamProcessor_StopFlushes(t *testing.T) {
	writer := newRecordingWriter()
	log, _ := test.NewNullLogger()
	sp := NewStreamProcessor(writer, 100, 50, time.Hour, log)
	require.NoError(t, sp.Start(context.Background()))
	assert.Error(t, sp.Start(context.Background()))

	now := time.Now().UTC()
	require.NoError(t, sp.Ingest(context.Background(), LogEvent{Timestamp: now, Service: "api", Level: "INFO"}))
	sp.Stop()

	assert.Equal(t, int64(1), writer.get("api", now.Truncate(time.Minute)).Total)
	assert.False(t, sp.IsRunning())
}

func TestStreamProcessor_FeedsHotStorage(t *testing.T) {
	hot := storage.NewHotStorage(10)
	sp := newTestProcessor(t, hot, 10)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, sp.Ingest(ctx, LogEvent{Timestamp: now, Service: "api", Level: "ERROR"}))
	sp.Flush(ctx)

	assert.ElementsMatch(t, []string{"api", storage.AllServices}, hot.Services())
	assert.Equal(t, int64(2), hot.GetTotalEvents())
}

func BenchmarkStreamProcessor_Ingest(b *testing.B) {
	log, _ := test.NewNullLogger()
	sp := NewStreamProcessor(storage.NewHotStorage(1000), 1000, 500, 0, log)
	sp.Start(context.Background())
	defer sp.Stop()
	ctx := context.Background()
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sp.Ingest(ctx, LogEvent{Timestamp: now, Service: "bench", Level: "INFO"})
	}
}
