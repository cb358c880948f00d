// Package capture is the client SDK for the replay pipeline: it opens a
// capture session, buffers recorded events, and uploads them in ordered
// chunks. Capture failures never surface to the host application beyond a
// nil *Capture; every method is safe to call on nil.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Correlation headers attached to host-app requests via Annotate.
const (
	HeaderSessionID = "X-Replay-Session-Id"
	HeaderReplayTs  = "X-Replay-Ts"
)

const (
	defaultMaxEvents = 200
	// Stays under the server's 512000-byte content-length cap with room for
	// serialization overhead.
	defaultMaxBytes = 380_000
	defaultDebounce = 2 * time.Second

	stopFlushTimeout = 5 * time.Second

	blockedReason = "recorder_import_failed"
)

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateActive
	stateStopped
)

// Event is one recorded replay event. Ts is unix milliseconds; the server
// derives chunk timestamp bounds from it.
type Event struct {
	Type int             `json:"type"`
	Ts   int64           `json:"timestamp"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Options configures Start.
type Options struct {
	// BaseURL is the pipeline server origin, e.g. https://app.example.com.
	BaseURL string
	// AccessToken is the identity provider's bearer token for session init.
	AccessToken string

	JourneyID  string
	InitialURL string

	// StartRecorder, when set, starts the host's event recorder with an emit
	// callback. A start failure marks the session capture-blocked.
	StartRecorder func(emit func(Event)) (stop func(), err error)

	// Flush triggers; zero values use the defaults.
	MaxEvents int
	MaxBytes  int
	Debounce  time.Duration

	HTTPClient *http.Client
}

// SessionContext correlates host-app requests with the active capture.
type SessionContext struct {
	SessionID   string
	LastEventTs int64
}

// Capture is one active capture session. At most one flush is in flight at a
// time; sequence numbers only advance after a successful upload.
type Capture struct {
	client *ingestClient
	opts   Options
	grant  InitResult

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    state
	buf      []json.RawMessage
	bufBytes int
	queue    [][]json.RawMessage
	seq      int
	lastTs   int64
	debounce *time.Timer

	flushMu sync.Mutex
	flushCh chan struct{}

	stopRecorder func()
	stopOnce     sync.Once
}

// Start opens a capture session. A nil *Capture with a nil error means
// capture is unavailable (init failed or the recorder was blocked); the host
// proceeds without replay. The error return is reserved for misuse.
func Start(ctx context.Context, opts Options) (*Capture, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("capture: BaseURL is required")
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultMaxEvents
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	c := &Capture{
		client:  newIngestClient(opts.BaseURL, opts.HTTPClient),
		opts:    opts,
		state:   stateInitializing,
		flushCh: make(chan struct{}, 1),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	grant, err := c.client.SessionInit(ctx, opts.AccessToken, opts.JourneyID, opts.InitialURL)
	if err != nil {
		log.Printf("capture: session init failed: %v", err)
		c.cancel()
		return nil, nil
	}
	c.grant = *grant

	// Active before the recorder starts so events emitted during startup are
	// not lost.
	c.mu.Lock()
	c.state = stateActive
	c.mu.Unlock()

	if opts.StartRecorder != nil {
		stop, err := opts.StartRecorder(c.Record)
		if err != nil {
			log.Printf("capture: recorder blocked: %v", err)
			c.mu.Lock()
			c.state = stateStopped
			c.mu.Unlock()
			c.reportBlocked(err.Error())
			c.cancel()
			return nil, nil
		}
		c.stopRecorder = stop
	}

	go c.flushLoop()
	return c, nil
}

// Record buffers one event. Cheap on the hot path: one marshal plus an
// incremental byte-estimate update. When a cap is reached the buffer is
// swapped out under the lock, so events recorded afterwards land in the next
// chunk, never the one already closed.
func (c *Capture) Record(e Event) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	c.buf = append(c.buf, raw)
	c.bufBytes += len(raw) + 1
	if e.Ts > c.lastTs {
		c.lastTs = e.Ts
	}
	if len(c.buf) >= c.opts.MaxEvents || c.bufBytes >= c.opts.MaxBytes {
		c.queue = append(c.queue, c.buf)
		c.buf = nil
		c.bufBytes = 0
		c.mu.Unlock()
		c.triggerFlush()
		return
	}
	c.mu.Unlock()
	c.resetDebounce()
}

// NotifyHidden flushes eagerly when the page goes hidden or unloads.
func (c *Capture) NotifyHidden() {
	if c == nil {
		return
	}
	c.flushNow()
}

// ReportError attaches a client error report to the session, best effort.
func (c *Capture) ReportError(e ClientError) {
	if c == nil {
		return
	}
	if e.Ts == 0 {
		e.Ts = time.Now().UnixMilli()
	}
	if err := c.client.ReportError(c.ctx, c.grant.SessionID, c.grant.UploadToken, e); err != nil {
		log.Printf("capture: error report failed: %v", err)
	}
}

// Context returns correlation data for outgoing host-app requests. ok is
// false once stopped or when capture never started.
func (c *Capture) Context() (SessionContext, bool) {
	if c == nil {
		return SessionContext{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive {
		return SessionContext{}, false
	}
	return SessionContext{SessionID: c.grant.SessionID, LastEventTs: c.lastTs}, true
}

// Annotate sets the correlation headers on an outgoing host-app request.
func (c *Capture) Annotate(req *http.Request) {
	sc, ok := c.Context()
	if !ok {
		return
	}
	req.Header.Set(HeaderSessionID, sc.SessionID)
	if sc.LastEventTs > 0 {
		req.Header.Set(HeaderReplayTs, strconv.FormatInt(sc.LastEventTs, 10))
	}
}

// Policy returns the granted capture policy.
func (c *Capture) Policy() (ReplayPolicy, ConsolePolicy) {
	if c == nil {
		return ReplayPolicy{}, ConsolePolicy{}
	}
	return c.grant.Replay, c.grant.Console
}

// Stop halts recording, aborts in-flight uploads, and flushes what remains,
// best effort. Safe to call more than once.
func (c *Capture) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.state = stateStopped
		stopRec := c.stopRecorder
		timer := c.debounce
		c.mu.Unlock()

		if stopRec != nil {
			stopRec()
		}
		if timer != nil {
			timer.Stop()
		}
		c.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
		defer cancel()
		c.swapBuffer()
		c.flush(ctx)
	})
}

// triggerFlush wakes the flush loop. The channel holds one pending signal so
// concurrent triggers coalesce into the in-flight flush.
func (c *Capture) triggerFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// flushNow closes the current buffer and wakes the flush loop; used by the
// debounce timer and the hidden/unload notification.
func (c *Capture) flushNow() {
	c.swapBuffer()
	c.triggerFlush()
}

// swapBuffer moves the current buffer onto the upload queue. Events recorded
// afterwards accumulate in a fresh buffer.
func (c *Capture) swapBuffer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return
	}
	c.queue = append(c.queue, c.buf)
	c.buf = nil
	c.bufBytes = 0
}

func (c *Capture) resetDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive {
		return
	}
	if c.debounce == nil {
		c.debounce = time.AfterFunc(c.opts.Debounce, c.flushNow)
		return
	}
	c.debounce.Stop()
	c.debounce.Reset(c.opts.Debounce)
}

func (c *Capture) flushLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.flushCh:
			c.flush(c.ctx)
		}
	}
}

// flush drains the upload queue in order, one chunk per queued batch.
// Serialized by flushMu so uploads never interleave; a failed upload drops
// its batch and leaves the sequence number unchanged for the next one.
func (c *Capture) flush(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		events := c.queue[0]
		c.queue = c.queue[1:]
		seq := c.seq
		c.mu.Unlock()

		if err := c.client.UploadChunk(ctx, c.grant.SessionID, c.grant.UploadToken, seq, events); err != nil {
			log.Printf("capture: chunk %d upload failed, %d events dropped: %v", seq, len(events), err)
			continue
		}

		c.mu.Lock()
		c.seq++
		c.mu.Unlock()
	}
}

// reportBlocked marks the session capture-blocked after the recorder failed
// to start. Runs on its own deadline; Stop's cancel must not abort it.
func (c *Capture) reportBlocked(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
	defer cancel()
	if err := c.client.ReportBlocked(ctx, c.grant.SessionID, c.grant.UploadToken, blockedReason, message); err != nil {
		log.Printf("capture: blocked report failed: %v", err)
	}
}
