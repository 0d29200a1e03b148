// Package live implements the live synchronization engine: two multiplexed
// WebSocket connections to the sync server (one for workspace metadata, one
// for per-file bodies), the initial handshake, streaming of CRDT updates in
// both directions, and reconnection with exponential backoff.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/diaryx-org/diaryx-go/internal/bridge"
	"github.com/diaryx-org/diaryx-go/internal/crdt"
	"github.com/diaryx-org/diaryx-go/internal/wire"
)

// Engine timing and retry parameters.
const (
	pingInterval       = 30 * time.Second
	handshakeTimeout   = 120 * time.Second
	maxReconnects      = 10
	baseBackoff        = time.Second
	maxBackoff         = 32 * time.Second
	bodyStep1Batch     = 50
	bodyStep1BatchRest = 10 * time.Millisecond
	outboundQueueSize  = 1024
	channelQueueSize   = 256
)

// Outbound is one locally-originated message awaiting transmission.
// Workspace messages go raw on the metadata channel; body messages are
// framed with their path on the body channel.
type Outbound struct {
	DocName string // canonical path for body messages, empty for workspace
	Message []byte // encoded CRDT message ([type, payload...])
	IsBody  bool
}

// Config holds the dependencies for NewEngine.
type Config struct {
	ServerURL   string
	WorkspaceID string
	// Tokens yields the bearer token for the sync server; nil means the
	// server does not require auth.
	Tokens      oauth2.TokenSource
	Workspace   *crdt.WorkspaceDoc
	Bodies      *crdt.BodyDocManager
	Handler     *bridge.Handler
	Dialer      Dialer
	Logger      *slog.Logger
	WriteToDisk bool
}

// Engine is the long-running live sync subsystem. Start it with Run; stop
// it by canceling the context or calling Stop.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc

	status statusTracker

	outbound chan Outbound

	backlogMu   sync.Mutex
	bodyBacklog []Outbound

	metaSynced atomic.Bool
	bodySynced atomic.Bool

	observersOnce sync.Once

	// backoff computes the reconnect delay; replaced in tests.
	backoff func(attempt int) time.Duration
}

// NewEngine creates a live sync engine. The dialer defaults to real
// WebSockets when nil.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}

	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger,
		outbound: make(chan Outbound, outboundQueueSize),
		backoff:  backoffDelay,
	}
}

// backoffDelay is the reconnect schedule: min(1s × 2^(attempt-1), 32s).
func backoffDelay(attempt int) time.Duration {
	delay := baseBackoff << (attempt - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}

	return delay
}

// ObserveStatus registers a callback for every status transition.
func (e *Engine) ObserveStatus(fn StatusFunc) {
	e.status.observe(fn)
}

// Status returns the most recent status.
func (e *Engine) Status() Status {
	return e.status.get()
}

// Stop requests shutdown. Safe to call from any goroutine.
func (e *Engine) Stop() {
	e.running.Store(false)

	if e.cancel != nil {
		e.cancel()
	}
}

// Run connects and syncs until the context is canceled, Stop is called,
// or a failed session is followed by ten consecutive failed reconnect
// attempts.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	defer cancel()

	e.running.Store(true)

	e.registerObservers()

	// First-run import: local files not yet in the CRDT must be known
	// before the handshake so an empty account still receives them.
	if _, err := e.cfg.Handler.ImportLocalFiles(ctx, e.cfg.Workspace, e.cfg.Bodies); err != nil {
		e.logger.Warn("live: first-run import failed", "error", err)
	}

	attempt := 0

	for e.running.Load() {
		if attempt == 0 {
			e.status.set(Status{State: StateConnecting})
		}

		sessionErr := e.runSession(ctx, &attempt)

		if !e.running.Load() || ctx.Err() != nil {
			e.status.set(Status{State: StateDisconnected})
			return nil
		}

		attempt++

		if attempt > maxReconnects {
			msg := "connection failed after repeated attempts"
			if sessionErr != nil {
				msg = sessionErr.Error()
			}

			e.status.set(Status{State: StateError, Message: msg})

			return fmt.Errorf("live: giving up after %d attempts: %w", maxReconnects, sessionErr)
		}

		e.logger.Warn("live: session ended, reconnecting",
			"attempt", attempt, "error", sessionErr)
		e.status.set(Status{State: StateReconnecting, Attempt: attempt})

		if !e.sleepBackoff(ctx, attempt) {
			e.status.set(Status{State: StateDisconnected})
			return nil
		}
	}

	e.status.set(Status{State: StateDisconnected})

	return nil
}

// sleepBackoff waits for the attempt's delay; false means canceled.
func (e *Engine) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := e.backoff(attempt)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// registerObservers wires the CRDT documents into the outbound queue.
// Runs once for the engine lifetime — observers survive reconnects.
func (e *Engine) registerObservers() {
	e.observersOnce.Do(func() {
		e.cfg.Workspace.Observe(func(update []byte, _ []string) {
			e.enqueue(Outbound{Message: wire.Encode(wire.MsgUpdate, update)})
		})

		e.cfg.Bodies.ObserveAll(func(path string, update []byte) {
			e.enqueue(Outbound{
				DocName: path,
				Message: wire.Encode(wire.MsgUpdate, update),
				IsBody:  true,
			})
		})
	})
}

// enqueue adds an outbound message, dropping the oldest when the queue is
// full — the next handshake reconciles anything dropped.
func (e *Engine) enqueue(out Outbound) {
	select {
	case e.outbound <- out:
	default:
		select {
		case dropped := <-e.outbound:
			e.logger.Warn("live: outbound queue full, dropping oldest",
				"doc", dropped.DocName)
		default:
		}

		select {
		case e.outbound <- out:
		default:
		}
	}
}

// token resolves the current bearer token, empty when no source is set.
func (e *Engine) token() (string, error) {
	if e.cfg.Tokens == nil {
		return "", nil
	}

	t, err := e.cfg.Tokens.Token()
	if err != nil {
		return "", fmt.Errorf("live: resolving bearer token: %w", err)
	}

	return t.AccessToken, nil
}

// runSession establishes both channels and streams until something fails.
// attempt is reset to zero once the metadata handshake succeeds, so only
// consecutive failures count toward the reconnect limit.
func (e *Engine) runSession(ctx context.Context, attempt *int) error {
	token, err := e.token()
	if err != nil {
		return err
	}

	metaURL, bodyURL, err := SyncURLs(e.cfg.ServerURL, e.cfg.WorkspaceID, token)
	if err != nil {
		return err
	}

	metaConn, err := e.cfg.Dialer.Dial(ctx, metaURL)
	if err != nil {
		return err
	}

	e.status.set(Status{State: StateConnected})
	e.metaSynced.Store(false)
	e.bodySynced.Store(false)

	s := &session{
		engine:    e,
		metaConn:  metaConn,
		bodyURL:   bodyURL,
		metaOut:   make(chan []byte, channelQueueSize),
		bodyOut:   make(chan []byte, channelQueueSize),
		handshake: make(chan struct{}),
		bodyReady: make(chan struct{}),
		onHandshake: func() {
			*attempt = 0
		},
	}

	return s.run(ctx)
}

// markChannelSynced records one channel's sync_complete; when both are in,
// the engine reports Synced.
func (e *Engine) markChannelSynced(isBody bool, filesSynced int) {
	if isBody {
		e.bodySynced.Store(true)
	} else {
		e.metaSynced.Store(true)
	}

	e.logger.Info("live: channel sync complete",
		"body", isBody, "files_synced", filesSynced)

	if e.metaSynced.Load() && e.bodySynced.Load() {
		e.status.set(Status{State: StateSynced})
	}
}

// takeBacklog drains the queued body messages accumulated while only the
// metadata channel was up.
func (e *Engine) takeBacklog() []Outbound {
	e.backlogMu.Lock()
	defer e.backlogMu.Unlock()

	out := e.bodyBacklog
	e.bodyBacklog = nil

	return out
}

func (e *Engine) pushBacklog(out Outbound) {
	e.backlogMu.Lock()
	e.bodyBacklog = append(e.bodyBacklog, out)
	e.backlogMu.Unlock()
}

// errHandshakeTimeout fails a session whose initial sync stalls.
var errHandshakeTimeout = errors.New("live: metadata handshake timed out")
