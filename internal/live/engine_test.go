package live

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-go/internal/bridge"
	"github.com/diaryx-org/diaryx-go/internal/crdt"
	"github.com/diaryx-org/diaryx-go/internal/crdtstore"
	"github.com/diaryx-org/diaryx-go/internal/vfs"
	"github.com/diaryx-org/diaryx-go/internal/wire"
)

func strPtr(s string) *string { return &s }

// --- fakes ---

// fakeConn is an in-memory Conn scripted by tests: pushed frames appear on
// Read, writes are recorded and forwarded to onWrite.
type fakeConn struct {
	mu       sync.Mutex
	incoming chan Frame
	writes   [][]byte
	onWrite  func(data []byte)

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan Frame, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) push(fr Frame) {
	select {
	case c.incoming <- fr:
	case <-c.closed:
	}
}

func (c *fakeConn) pushText(s string) {
	c.push(Frame{Text: true, Data: []byte(s)})
}

func (c *fakeConn) Read(ctx context.Context) (Frame, error) {
	select {
	case fr := <-c.incoming:
		return fr, nil
	case <-c.closed:
		return Frame{}, errors.New("fake conn closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteBinary(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	c.mu.Lock()
	c.writes = append(c.writes, cp)
	onWrite := c.onWrite
	c.mu.Unlock()

	if onWrite != nil {
		onWrite(cp)
	}

	return nil
}

func (c *fakeConn) WriteText(context.Context, []byte) error { return nil }
func (c *fakeConn) Ping(context.Context) error              { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) binaryWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.writes))
	copy(out, c.writes)

	return out
}

// fakeDialer routes dials through a test-provided function.
type fakeDialer struct {
	dial func(ctx context.Context, url string) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	return d.dial(ctx, url)
}

// newTestEngine wires an engine over in-memory CRDT state and a temp
// workspace.
func newTestEngine(t *testing.T, dialer Dialer, writeToDisk bool) (*Engine, *crdt.WorkspaceDoc, *crdt.BodyDocManager, string) {
	t.Helper()

	root := t.TempDir()
	store := crdtstore.NewMemoryStore()
	workspace := crdt.NewWorkspaceDoc(1)
	bodies := crdt.NewBodyDocManager(store, "ws", 1, "dev", "test", nil)

	handler := bridge.NewHandler(vfs.NewOSFileSystem(), root, nil)
	handler.SetWorkspaceDoc(workspace)

	engine := NewEngine(Config{
		ServerURL:   "https://sync.example.org",
		WorkspaceID: "ws",
		Workspace:   workspace,
		Bodies:      bodies,
		Handler:     handler,
		Dialer:      dialer,
		WriteToDisk: writeToDisk,
	})

	return engine, workspace, bodies, root
}

// --- url building ---

func TestSyncURLs(t *testing.T) {
	meta, body, err := SyncURLs("https://sync.example.org", "ws-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.org/sync?doc=ws-1&token=tok", meta)
	assert.Equal(t, "wss://sync.example.org/sync?doc=ws-1&multiplexed=true&token=tok", body)
}

func TestSyncURLs_NoToken(t *testing.T) {
	meta, body, err := SyncURLs("http://localhost:8080", "ws", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/sync?doc=ws", meta)
	assert.NotContains(t, body, "token")
	assert.Contains(t, body, "multiplexed=true")
}

func TestSyncURLs_BadScheme(t *testing.T) {
	_, _, err := SyncURLs("ftp://host", "ws", "")
	assert.Error(t, err)
}

// --- reconnect policy ---

func TestBackoffDelay_Schedule(t *testing.T) {
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 32 * time.Second,
		32 * time.Second, 32 * time.Second, 32 * time.Second,
	}

	for i, expected := range want {
		assert.Equal(t, expected, backoffDelay(i+1), "attempt %d", i+1)
	}
}

func TestRun_ReconnectUntilFatal(t *testing.T) {
	dialer := &fakeDialer{
		dial: func(context.Context, string) (Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	engine, _, _, _ := newTestEngine(t, dialer, false)
	engine.backoff = func(int) time.Duration { return time.Millisecond }

	var mu sync.Mutex
	var states []Status

	engine.ObserveStatus(func(s Status) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	err := engine.Run(context.Background())
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()

	require.GreaterOrEqual(t, len(states), 12)
	assert.Equal(t, StateConnecting, states[0].State)

	// Reconnecting{1..10} in order, then the fatal error.
	attempt := 1

	for _, s := range states[1:] {
		if s.State == StateReconnecting {
			assert.Equal(t, attempt, s.Attempt)
			attempt++
		}
	}

	assert.Equal(t, maxReconnects+1, attempt)
	assert.Equal(t, StateError, states[len(states)-1].State)
	assert.NotEmpty(t, states[len(states)-1].Message)
}

func TestRun_CancelStopsCleanly(t *testing.T) {
	dialer := &fakeDialer{
		dial: func(context.Context, string) (Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	engine, _, _, _ := newTestEngine(t, dialer, false)
	engine.backoff = func(int) time.Duration { return time.Hour }

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- engine.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}

	assert.Equal(t, StateDisconnected, engine.Status().State)
}

// --- scripted server session ---

// fakeServer mimics the sync server: it answers SyncStep1 with SyncStep2
// diffs from its own documents and emits sync_complete controls.
type fakeServer struct {
	ws     *crdt.WorkspaceDoc
	bodies map[string]*crdt.BodyDoc

	metaConn *fakeConn
	bodyConn *fakeConn

	mu         sync.Mutex
	step1Seen  int
	bodyWaited int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	srv := &fakeServer{
		ws:     crdt.NewWorkspaceDoc(99),
		bodies: map[string]*crdt.BodyDoc{},
	}

	return srv
}

// addFile plants one file on the server side.
func (s *fakeServer) addFile(t *testing.T, path, title, body string) {
	t.Helper()

	require.NoError(t, s.ws.Set(path, &crdt.FileMetadata{
		Title: strPtr(title), ModifiedAt: time.Now().UnixMilli(),
	}))

	doc := crdt.NewBodyDoc(path, 99)
	require.NoError(t, doc.SetText(body))
	s.bodies[path] = doc
}

// dialer returns a Dialer that serves the metadata channel first, the
// multiplexed body channel second.
func (s *fakeServer) dialer(t *testing.T) Dialer {
	t.Helper()

	return &fakeDialer{
		dial: func(_ context.Context, url string) (Conn, error) {
			conn := newFakeConn()

			s.mu.Lock()
			defer s.mu.Unlock()

			if !isBodyURL(url) {
				s.metaConn = conn
				conn.onWrite = func(data []byte) { s.handleMeta(t, conn, data) }

				return conn, nil
			}

			s.bodyConn = conn
			conn.onWrite = func(data []byte) { s.handleBody(t, conn, data) }

			return conn, nil
		},
	}
}

// metaC and bodyC read the connection pointers under the server lock.
func (s *fakeServer) metaC() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.metaConn
}

func (s *fakeServer) bodyC() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bodyConn
}

func isBodyURL(url string) bool {
	return len(url) > 0 && containsStr(url, "multiplexed=true")
}

func containsStr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}

	return false
}

// handleMeta runs on the engine's goroutines, so failures surface as
// panics rather than cross-goroutine require calls.
func (s *fakeServer) handleMeta(_ *testing.T, conn *fakeConn, data []byte) {
	msg, err := wire.Decode(data)
	mustOK(err)

	switch msg.Type {
	case wire.MsgSyncStep1:
		diff, diffErr := s.ws.EncodeDiff(msg.Payload)
		mustOK(diffErr)

		if len(diff) > crdt.EmptyUpdateLen {
			conn.push(Frame{Data: wire.Encode(wire.MsgSyncStep2, diff)})
		}

		conn.pushText(fmt.Sprintf(`{"type":"sync_complete","files_synced":%d}`, len(s.ws.ListFiles())))

	case wire.MsgSyncStep2, wire.MsgUpdate:
		_, applyErr := s.ws.ApplyUpdate(msg.Payload, crdt.OriginSync)
		mustOK(applyErr)
	}
}

// mustOK panics on error; fake-server handlers run off the test goroutine.
func mustOK(err error) {
	if err != nil {
		panic(err)
	}
}

func (s *fakeServer) handleBody(_ *testing.T, conn *fakeConn, data []byte) {
	path, inner, err := wire.UnframeBody(data)
	mustOK(err)

	msg, err := wire.Decode(inner)
	mustOK(err)

	switch msg.Type {
	case wire.MsgSyncStep1:
		if doc, ok := s.bodies[path]; ok {
			diff, diffErr := doc.EncodeDiff(msg.Payload)
			mustOK(diffErr)

			if len(diff) > crdt.EmptyUpdateLen {
				conn.push(Frame{Data: wire.FrameBody(path, wire.Encode(wire.MsgSyncStep2, diff))})
			}
		}

		s.mu.Lock()
		s.step1Seen++
		done := s.step1Seen >= len(s.bodies)
		notified := s.bodyWaited > 0

		if done && !notified {
			s.bodyWaited++
		}
		s.mu.Unlock()

		if done && !notified {
			conn.pushText(fmt.Sprintf(`{"type":"sync_complete","files_synced":%d}`, len(s.bodies)))
		}

	case wire.MsgSyncStep2, wire.MsgUpdate:
		if doc, ok := s.bodies[path]; ok {
			_, applyErr := doc.ApplyUpdate(msg.Payload, crdt.OriginSync)
			mustOK(applyErr)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timed out waiting: " + msg)
}

// Two-peer convergence on a new file: the server holds notes.md, a fresh
// client handshakes, receives metadata and body, and materializes the file
// on disk.
func TestRun_HandshakeDeliversRemoteFiles(t *testing.T) {
	srv := newFakeServer(t)
	srv.addFile(t, "notes.md", "Notes", "firstly")

	engine, workspace, bodies, root := newTestEngine(t, srv.dialer(t), true)

	done := make(chan error, 1)

	go func() { done <- engine.Run(context.Background()) }()

	waitFor(t, func() bool { return engine.Status().State == StateSynced }, "engine synced")

	// Metadata arrived.
	meta := workspace.Get("notes.md")
	require.NotNil(t, meta)
	assert.Equal(t, "Notes", *meta.Title)

	// Body arrived.
	waitFor(t, func() bool {
		body, err := bodies.GetBody(context.Background(), "notes.md")
		return err == nil && body == "firstly"
	}, "body converged")

	// The file was mirrored to disk.
	waitFor(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(root, "notes.md"))
		return err == nil && containsStr(string(raw), "firstly")
	}, "file on disk")

	engine.Stop()
	<-done
}

// Unknown control frames are consumed without state change and without
// closing the connection.
func TestRun_UnknownControlIgnored(t *testing.T) {
	srv := newFakeServer(t)
	srv.addFile(t, "a.md", "A", "x")

	engine, _, _, _ := newTestEngine(t, srv.dialer(t), false)

	done := make(chan error, 1)

	go func() { done <- engine.Run(context.Background()) }()

	waitFor(t, func() bool { return engine.Status().State == StateSynced }, "engine synced")

	srv.metaC().pushText(`{"type":"totally_new_thing","answer":42}`)
	srv.bodyC().pushText(`{"type":"other_novelty"}`)

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StateSynced, engine.Status().State, "unknown controls must not change state")

	engine.Stop()
	<-done
}

// Local mutations broadcast on the matching channel: workspace updates go
// raw on metadata, body updates framed on the body channel.
func TestRun_LocalEditsBroadcast(t *testing.T) {
	srv := newFakeServer(t)
	srv.addFile(t, "a.md", "A", "x")

	engine, workspace, bodies, _ := newTestEngine(t, srv.dialer(t), false)

	done := make(chan error, 1)

	go func() { done <- engine.Run(context.Background()) }()

	waitFor(t, func() bool { return engine.Status().State == StateSynced }, "engine synced")

	metaWritesBefore := len(srv.metaC().binaryWrites())

	require.NoError(t, workspace.Set("new.md", &crdt.FileMetadata{
		Title: strPtr("New"), ModifiedAt: time.Now().UnixMilli(),
	}))

	waitFor(t, func() bool {
		return len(srv.metaC().binaryWrites()) > metaWritesBefore
	}, "workspace update sent on metadata channel")

	// The server applied it.
	waitFor(t, func() bool { return srv.ws.Get("new.md") != nil }, "server received the file")

	bodyWritesBefore := len(srv.bodyC().binaryWrites())

	require.NoError(t, bodies.SetBody(context.Background(), "a.md", "x edited"))

	waitFor(t, func() bool {
		writes := srv.bodyC().binaryWrites()

		for _, w := range writes[bodyWritesBefore:] {
			path, inner, err := wire.UnframeBody(w)
			if err != nil {
				continue
			}

			if msg, decErr := wire.Decode(inner); decErr == nil &&
				path == "a.md" && msg.Type == wire.MsgUpdate {
				return true
			}
		}

		return false
	}, "framed body update sent on body channel")

	engine.Stop()
	<-done
}

// With no sync_complete from the server, the metadata loop does not wait
// on the handshake forever: it returns an error once its context ends.
func TestMetadataHandshake_Timeout(t *testing.T) {
	// A silent server: accepts the connection, never responds.
	silent := &fakeDialer{
		dial: func(context.Context, string) (Conn, error) {
			return newFakeConn(), nil
		},
	}

	engine, _, _, _ := newTestEngine(t, silent, false)
	engine.backoff = func(int) time.Duration { return time.Millisecond }

	s := &session{
		engine:    engine,
		metaConn:  newFakeConn(),
		metaOut:   make(chan []byte, 1),
		bodyOut:   make(chan []byte, 1),
		handshake: make(chan struct{}),
		bodyReady: make(chan struct{}),
	}
	s.onHandshake = func() {}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// A server that never answers: the loop must exit when its context
	// ends instead of waiting on the handshake forever.
	err := s.metadataLoop(ctx)
	assert.Error(t, err)
}

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	dialer := &fakeDialer{
		dial: func(context.Context, string) (Conn, error) {
			return nil, errors.New("never")
		},
	}

	engine, _, _, _ := newTestEngine(t, dialer, false)

	for i := range outboundQueueSize + 10 {
		engine.enqueue(Outbound{Message: []byte{byte(i)}})
	}

	// Queue holds at most its capacity after overflowing.
	assert.Len(t, engine.outbound, outboundQueueSize)
}
