// Package file records hub events to a JSONL trace file.
//
// The recorder attaches to the hub as a single subscriber and appends one
// line per event: {"ts": <unix ms>, "event": {...}} with the event's own
// wire shape nested, the same shape the WebSocket and NATS transports
// emit. Lines buffer in memory and reach the file when the buffer fills
// or the flush interval elapses, so a trace survives at most one interval
// behind the traffic it describes. Write failures are counted and logged
// but never detach the recorder.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/trdpsim/component"
	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/metric"
)

// subscriberID is the recorder's hub registration key. One recorder per
// process.
const subscriberID = "file-recorder"

// Config holds the recorder settings.
type Config struct {
	// Path is the trace file. The daemon only constructs a recorder when
	// a path is configured.
	Path string

	// Append keeps an existing trace and adds to it; false truncates on
	// start.
	Append bool

	// BufferSize is the number of events held before an early flush.
	BufferSize int

	// FlushInterval bounds how long a buffered event waits for the file.
	FlushInterval time.Duration
}

// DefaultConfig returns the recorder defaults: append mode, 64-event
// buffer, 1 s flush interval.
func DefaultConfig() Config {
	return Config{
		Append:        true,
		BufferSize:    64,
		FlushInterval: time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Recorder", "Validate",
			"trace file path is required")
	}
	if c.BufferSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Recorder", "Validate",
			"buffer size must be at least 1")
	}
	if c.FlushInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Recorder", "Validate",
			"flush interval must be positive")
	}
	return nil
}

// Dependencies wires the recorder to its collaborators. Hub is required.
type Dependencies struct {
	Hub     *hub.Hub
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
}

// Recorder appends hub events to a trace file.
type Recorder struct {
	config  Config
	hub     *hub.Hub
	logger  *slog.Logger
	metrics *recorderMetrics

	file   *os.File
	fileMu sync.Mutex

	buffer   [][]byte
	bufferMu sync.Mutex

	errorCount atomic.Int64

	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	running     bool
	startTime   time.Time
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

var (
	_ component.Discoverable       = (*Recorder)(nil)
	_ component.LifecycleComponent = (*Recorder)(nil)
	_ hub.Subscriber               = (*Recorder)(nil)
)

// traceLine is the on-disk shape: a receive timestamp plus the event's
// wire object.
type traceLine struct {
	TS    int64           `json:"ts"` // Unix milliseconds
	Event json.RawMessage `json:"event"`
}

// New creates the recorder. Nothing is written until Start.
func New(deps Dependencies, cfg Config) (*Recorder, error) {
	if deps.Hub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "file", "New",
			"hub is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "file-recorder")

	metrics, err := newRecorderMetrics(deps.Metrics)
	if err != nil {
		logger.Error("failed to initialize recorder metrics", "error", err)
		metrics = nil // Continue without metrics
	}

	return &Recorder{
		config:  cfg,
		hub:     deps.Hub,
		logger:  logger,
		metrics: metrics,
		buffer:  make([][]byte, 0, cfg.BufferSize),
	}, nil
}

// Initialize creates the trace file's directory.
func (r *Recorder) Initialize() error {
	if dir := filepath.Dir(r.config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapFatal(err, "file", "Initialize", "create trace directory")
		}
	}
	return nil
}

// Start opens the trace file and attaches the recorder to the hub. The
// initial registry snapshot becomes the first line of a fresh trace.
func (r *Recorder) Start(_ context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	flags := os.O_CREATE | os.O_WRONLY
	if r.config.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(r.config.Path, flags, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "file", "Start", "open trace file")
	}

	r.fileMu.Lock()
	r.file = file
	r.fileMu.Unlock()

	r.shutdown = make(chan struct{})
	r.wg.Add(1)
	go r.flushLoop()

	if err := r.hub.Attach(r); err != nil {
		close(r.shutdown)
		r.wg.Wait()
		r.closeFile()
		return errors.Wrap(err, "file", "Start", "attach to hub")
	}

	r.mu.Lock()
	r.running = true
	r.startTime = time.Now()
	r.mu.Unlock()

	r.logger.Info("file recorder started",
		"path", r.config.Path,
		"append", r.config.Append,
		"buffer_size", r.config.BufferSize)
	return nil
}

// Stop detaches from the hub, flushes the buffer and closes the file.
// Stopping a stopped recorder is a no-op.
func (r *Recorder) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.hub.Detach(subscriberID)
	close(r.shutdown)

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	var waitErr error
	select {
	case <-waitCh:
	case <-time.After(timeout):
		waitErr = errors.WrapTransient(errors.ErrTimeout, "file", "Stop", "wait for flush loop")
	}

	r.flush()
	r.closeFile()

	r.logger.Info("file recorder stopped", "path", r.config.Path)
	return waitErr
}

// ID implements hub.Subscriber.
func (r *Recorder) ID() string { return subscriberID }

// Send buffers one event. Failures are absorbed: the recorder logs and
// counts them but reports success to the hub, so a full disk never
// detaches it.
func (r *Recorder) Send(event hub.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		r.errorCount.Add(1)
		r.metrics.recordFailure()
		r.logger.Error("failed to marshal event for trace", "event", event.Kind(), "error", err)
		return nil
	}
	line, err := json.Marshal(traceLine{TS: time.Now().UnixMilli(), Event: payload})
	if err != nil {
		r.errorCount.Add(1)
		r.metrics.recordFailure()
		return nil
	}

	r.bufferMu.Lock()
	r.buffer = append(r.buffer, line)
	full := len(r.buffer) >= r.config.BufferSize
	r.bufferMu.Unlock()

	r.metrics.recordEvent(event.Kind())
	if full {
		r.flush()
	}
	return nil
}

// flushLoop drains the buffer on the configured interval.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush writes buffered lines to the file.
func (r *Recorder) flush() {
	r.bufferMu.Lock()
	if len(r.buffer) == 0 {
		r.bufferMu.Unlock()
		return
	}
	lines := r.buffer
	r.buffer = make([][]byte, 0, r.config.BufferSize)
	r.bufferMu.Unlock()

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	if r.file == nil {
		r.errorCount.Add(int64(len(lines)))
		r.logger.Error("trace file closed during flush", "lines_lost", len(lines))
		return
	}

	for _, line := range lines {
		n, err := r.file.Write(append(line, '\n'))
		if err != nil {
			r.errorCount.Add(1)
			r.metrics.recordFailure()
			r.logger.Error("failed to write trace line", "error", err)
			continue
		}
		r.metrics.recordBytes(n)
	}
}

func (r *Recorder) closeFile() {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file == nil {
		return
	}
	if err := r.file.Close(); err != nil {
		r.logger.Warn("failed to close trace file", "error", err, "path", r.config.Path)
	}
	r.file = nil
}

// Meta describes the recorder for component discovery.
func (r *Recorder) Meta() component.Metadata {
	return component.Metadata{
		Name:        "file-recorder",
		Type:        "output",
		Description: fmt.Sprintf("Records telegram events to %s", r.config.Path),
		Version:     "1.0.0",
	}
}

// Health reports liveness for the health endpoint.
func (r *Recorder) Health() component.HealthStatus {
	r.mu.RLock()
	running := r.running
	startTime := r.startTime
	r.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(r.errorCount.Load()),
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}
