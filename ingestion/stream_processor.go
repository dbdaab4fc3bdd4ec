package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"log-anomaly-engine/metrics"
	"log-anomaly-engine/storage"
)

// LogEvent is a single structured log line
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// IsError reports whether the event counts toward the error rate
func (e LogEvent) IsError() bool {
	switch strings.ToUpper(e.Level) {
	case "ERROR", "CRITICAL", "FATAL":
		return true
	}
	return false
}

var ErrNotRunning = errors.New("stream processor not running")

// flushTimeout bounds a flush that is not tied to a caller's context
const flushTimeout = 30 * time.Second

// DataValidator rejects events that cannot be bucketed
type DataValidator struct {
	levels    map[string]bool
	maxAge    time.Duration
	maxFuture time.Duration
	now       func() time.Time
}

// NewDataValidator creates a validator accepting the usual log levels,
// timestamps up to 7 days old and at most 1 hour ahead.
func NewDataValidator() *DataValidator {
	dv := &DataValidator{
		maxAge:    7 * 24 * time.Hour,
		maxFuture: time.Hour,
		now:       time.Now,
	}
	dv.SetAllowedLevels([]string{"DEBUG", "INFO", "WARN", "WARNING", "ERROR", "CRITICAL", "FATAL"})
	return dv
}

// SetAllowedLevels replaces the accepted levels (case-insensitive)
func (dv *DataValidator) SetAllowedLevels(levels []string) {
	dv.levels = make(map[string]bool, len(levels))
	for _, l := range levels {
		dv.levels[strings.ToUpper(l)] = true
	}
}

// ValidateEvent validates a single log event
func (dv *DataValidator) ValidateEvent(event LogEvent) error {
	if strings.TrimSpace(event.Service) == "" {
		return fmt.Errorf("service is required")
	}
	if event.Service == storage.AllServices {
		return fmt.Errorf("service name %q is reserved", storage.AllServices)
	}
	if !dv.levels[strings.ToUpper(event.Level)] {
		return fmt.Errorf("unknown log level '%s'", event.Level)
	}

	now := dv.now()
	if event.Timestamp.After(now.Add(dv.maxFuture)) {
		return fmt.Errorf("timestamp too far in future")
	}
	if event.Timestamp.Before(now.Add(-dv.maxAge)) {
		return fmt.Errorf("timestamp too far in past")
	}
	return nil
}

// Format: YYYY-MM-DD HH:MM:SS LEVEL [service] message
var linePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2})\s+(\w+)\s+\[([\w.-]+)\]\s+(.*)$`)

// ParseLine parses a plain-text log line. Timestamps are read as UTC.
func ParseLine(line string) (LogEvent, error) {
	m := linePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return LogEvent{}, fmt.Errorf("unrecognised log line: %q", line)
	}
	ts, err := time.Parse("2006-01-02 15:04:05", strings.Join(strings.Fields(m[1]), " "))
	if err != nil {
		return LogEvent{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return LogEvent{
		Timestamp: ts.UTC(),
		Level:     strings.ToUpper(m[2]),
		Service:   m[3],
		Message:   m[4],
	}, nil
}

// Stats is a snapshot of processor counters
type Stats struct {
	TotalIngested    int64 `json:"total_ingested"`
	TotalProcessed   int64 `json:"total_processed"`
	TotalErrors      int64 `json:"total_errors"`
	BatchesProcessed int64 `json:"batches_processed"`
}

// BatchResult summarises an IngestBatch call
type BatchResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// StreamProcessor buffers log events and flushes per-minute counts to a
// CounterWriter, once per service and once under storage.AllServices.
type StreamProcessor struct {
	writer        storage.CounterWriter
	bufferSize    int
	batchSize     int
	flushInterval time.Duration
	log           logrus.FieldLogger

	buffer    []LogEvent
	bufferMu  sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup

	stats   Stats
	statsMu sync.RWMutex

	validator *DataValidator
}

// NewStreamProcessor creates a new stream processor
func NewStreamProcessor(writer storage.CounterWriter, bufferSize, batchSize int, flushInterval time.Duration, log logrus.FieldLogger) *StreamProcessor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if batchSize <= 0 || batchSize > bufferSize {
		batchSize = bufferSize
	}
	return &StreamProcessor{
		writer:        writer,
		bufferSize:    bufferSize,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log,
		buffer:        make([]LogEvent, 0, bufferSize),
		validator:     NewDataValidator(),
	}
}

// Start begins the periodic flush loop
func (sp *StreamProcessor) Start(ctx context.Context) error {
	sp.bufferMu.Lock()
	if sp.isRunning {
		sp.bufferMu.Unlock()
		return fmt.Errorf("stream processor already running")
	}
	sp.isRunning = true
	sp.stopChan = make(chan struct{})
	stop := sp.stopChan
	sp.bufferMu.Unlock()

	if sp.flushInterval > 0 {
		sp.wg.Add(1)
		go sp.flushRoutine(ctx, stop)
	}
	return nil
}

// Stop stops the flush loop and writes whatever is still buffered
func (sp *StreamProcessor) Stop() {
	sp.bufferMu.Lock()
	if !sp.isRunning {
		sp.bufferMu.Unlock()
		return
	}
	sp.isRunning = false
	stop := sp.stopChan
	sp.bufferMu.Unlock()

	close(stop)
	sp.wg.Wait()

	sp.flushDetached()
}

// Ingest validates and buffers one event, flushing when the batch is full.
// The flush writes the shared buffer, so it does not inherit ctx.
func (sp *StreamProcessor) Ingest(ctx context.Context, event LogEvent) error {
	if err := sp.validator.ValidateEvent(event); err != nil {
		sp.recordError()
		return fmt.Errorf("validation failed: %w", err)
	}
	event.Level = strings.ToUpper(event.Level)

	sp.bufferMu.Lock()
	if !sp.isRunning {
		sp.bufferMu.Unlock()
		return ErrNotRunning
	}
	sp.buffer = append(sp.buffer, event)
	full := len(sp.buffer) >= sp.batchSize
	sp.bufferMu.Unlock()

	sp.statsMu.Lock()
	sp.stats.TotalIngested++
	sp.statsMu.Unlock()
	metrics.EventsIngested.WithLabelValues(event.Level).Inc()

	if full {
		sp.flushDetached()
	}
	return nil
}

func (sp *StreamProcessor) flushDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	sp.Flush(ctx)
}

// IngestBatch ingests every event, continuing past invalid ones
func (sp *StreamProcessor) IngestBatch(ctx context.Context, events []LogEvent) BatchResult {
	var result BatchResult
	for i, event := range events {
		if err := sp.Ingest(ctx, event); err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("event %d: %v", i, err))
			sp.log.WithError(err).WithField("service", event.Service).Debug("Event rejected")
			continue
		}
		result.Accepted++
	}
	return result
}

// IngestJSON decodes and ingests a single JSON event
func (sp *StreamProcessor) IngestJSON(ctx context.Context, data []byte) error {
	var event LogEvent
	if err := json.Unmarshal(data, &event); err != nil {
		sp.recordError()
		return fmt.Errorf("JSON parsing failed: %w", err)
	}
	return sp.Ingest(ctx, event)
}

// IngestLines parses and ingests newline-separated plain-text log lines
func (sp *StreamProcessor) IngestLines(ctx context.Context, text string) BatchResult {
	var result BatchResult
	for i, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		event, err := ParseLine(line)
		if err == nil {
			err = sp.Ingest(ctx, event)
		} else {
			sp.recordError()
		}
		if err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		result.Accepted++
	}
	return result
}

func (sp *StreamProcessor) flushRoutine(ctx context.Context, stop <-chan struct{}) {
	defer sp.wg.Done()

	ticker := time.NewTicker(sp.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			sp.flushDetached()
		}
	}
}

// Flush writes buffered events to the counter writer
func (sp *StreamProcessor) Flush(ctx context.Context) {
	sp.bufferMu.Lock()
	if len(sp.buffer) == 0 {
		sp.bufferMu.Unlock()
		return
	}
	batch := make([]LogEvent, len(sp.buffer))
	copy(batch, sp.buffer)
	sp.buffer = sp.buffer[:0]
	sp.bufferMu.Unlock()

	sp.processBatch(ctx, batch)

	sp.statsMu.Lock()
	sp.stats.BatchesProcessed++
	sp.statsMu.Unlock()
}

type counterKey struct {
	service string
	minute  int64
}

// processBatch folds a batch into per-minute counts before writing
func (sp *StreamProcessor) processBatch(ctx context.Context, batch []LogEvent) {
	counts := make(map[counterKey]storage.Counts)
	events := make(map[counterKey]int64)
	for _, event := range batch {
		minute := event.Timestamp.UTC().Truncate(time.Minute).Unix()
		c := storage.Counts{Total: 1}
		if event.IsError() {
			c.Errors = 1
		}
		for _, service := range []string{event.Service, storage.AllServices} {
			key := counterKey{service: service, minute: minute}
			counts[key] = counts[key].Add(c)
		}
		events[counterKey{service: event.Service, minute: minute}]++
	}

	for key, c := range counts {
		err := sp.writer.AddCounts(ctx, key.service, time.Unix(key.minute, 0).UTC(), c)
		if err != nil {
			sp.log.WithError(err).WithFields(logrus.Fields{
				"service": key.service,
				"minute":  key.minute,
			}).Error("Failed to store counts")
			metrics.IngestErrors.Inc()
			sp.statsMu.Lock()
			sp.stats.TotalErrors++
			sp.statsMu.Unlock()
			continue
		}
		if key.service != storage.AllServices {
			sp.statsMu.Lock()
			sp.stats.TotalProcessed += events[key]
			sp.statsMu.Unlock()
		}
	}
}

func (sp *StreamProcessor) recordError() {
	metrics.IngestErrors.Inc()
	sp.statsMu.Lock()
	sp.stats.TotalErrors++
	sp.statsMu.Unlock()
}

// GetStats returns current processing statistics
func (sp *StreamProcessor) GetStats() Stats {
	sp.statsMu.RLock()
	defer sp.statsMu.RUnlock()
	return sp.stats
}

// GetBufferSize returns current buffer utilization
func (sp *StreamProcessor) GetBufferSize() int {
	sp.bufferMu.Lock()
	defer sp.bufferMu.Unlock()
	return len(sp.buffer)
}

func (sp *StreamProcessor) IsRunning() bool {
	sp.bufferMu.Lock()
	defer sp.bufferMu.Unlock()
	return sp.isRunning
}

// GetValidator returns the data validator for configuration
func (sp *StreamProcessor) GetValidator() *DataValidator {
	return sp.validator
}
