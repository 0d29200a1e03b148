package live

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
	"github.com/diaryx-org/diaryx-go/internal/wire"
)

// session is one connected epoch: a metadata channel, a body channel
// brought up after the metadata handshake, and a router feeding both from
// the engine's outbound queue. Any task failing tears the whole session
// down; the engine then decides whether to reconnect.
type session struct {
	engine *Engine

	metaConn Conn
	bodyURL  string

	metaOut chan []byte
	bodyOut chan []byte

	handshake   chan struct{} // closed when metadata sync_complete arrives
	bodyReady   chan struct{} // closed when the body channel is streaming
	onHandshake func()
}

func (s *session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.metadataLoop(gctx) })
	g.Go(func() error { return s.bodyChannel(gctx) })
	g.Go(func() error { return s.route(gctx) })

	err := g.Wait()

	s.metaConn.Close()

	return err
}

// route dispatches outbound messages by channel. Body messages that arrive
// before the body channel is up wait in the engine backlog.
func (s *session) route(ctx context.Context) error {
	bodyUp := false
	ready := s.bodyReady // nilled once observed so the arm never re-fires

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ready:
			bodyUp = true
			ready = nil

			for _, out := range s.engine.takeBacklog() {
				select {
				case s.bodyOut <- wire.FrameBody(out.DocName, out.Message):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

		case out := <-s.engine.outbound:
			if !out.IsBody {
				select {
				case s.metaOut <- out.Message:
				case <-ctx.Done():
					return ctx.Err()
				}

				continue
			}

			if !bodyUp {
				s.engine.pushBacklog(out)
				continue
			}

			select {
			case s.bodyOut <- wire.FrameBody(out.DocName, out.Message):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// reader pumps frames from a connection into a channel so the loop can
// select over reads, writes, and timers.
func reader(ctx context.Context, conn Conn, frames chan<- Frame, errs chan<- error) {
	for {
		fr, err := conn.Read(ctx)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}

			return
		}

		select {
		case frames <- fr:
		case <-ctx.Done():
			return
		}
	}
}

// metadataLoop drives the metadata channel: SyncStep1 on connect, then a
// select over inbound frames, outbound messages, the keepalive timer, and
// (until sync_complete) the 120-second handshake idle timer.
func (s *session) metadataLoop(ctx context.Context) error {
	e := s.engine

	step1 := wire.Encode(wire.MsgSyncStep1, e.cfg.Workspace.EncodeStateVector())
	if err := s.metaConn.WriteBinary(ctx, step1); err != nil {
		return err
	}

	frames := make(chan Frame)
	readErrs := make(chan error, 1)

	go reader(ctx, s.metaConn, frames, readErrs)

	idle := time.NewTimer(handshakeTimeout)
	defer idle.Stop()

	ping := time.NewTimer(pingInterval)
	defer ping.Stop()

	handshakeDone := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrs:
			return err

		case <-idle.C:
			if !handshakeDone {
				return errHandshakeTimeout
			}

		case <-ping.C:
			if err := s.metaConn.Ping(ctx); err != nil {
				return err
			}

			ping.Reset(pingInterval)

		case msg := <-s.metaOut:
			if err := s.metaConn.WriteBinary(ctx, msg); err != nil {
				return err
			}

			ping.Reset(pingInterval)

		case fr := <-frames:
			if !handshakeDone {
				resetTimer(idle, handshakeTimeout)
			}

			ping.Reset(pingInterval)

			done, err := s.handleMetaFrame(ctx, fr)
			if err != nil {
				return err
			}

			if done && !handshakeDone {
				handshakeDone = true
				idle.Stop()
				s.onHandshake()
				close(s.handshake)
			}
		}
	}
}

// handleMetaFrame processes one metadata-channel frame. Returns done=true
// when the frame completed the handshake. Malformed frames and CRDT apply
// errors are dropped with a log line — retransmission would not help.
func (s *session) handleMetaFrame(ctx context.Context, fr Frame) (bool, error) {
	e := s.engine

	if fr.Text {
		return s.handleControl(fr.Data, false), nil
	}

	msg, err := wire.Decode(fr.Data)
	if err != nil {
		e.logger.Warn("live: dropping malformed metadata frame", "error", err)
		return false, nil
	}

	switch msg.Type {
	case wire.MsgSyncStep1:
		diff, diffErr := e.cfg.Workspace.EncodeDiff(msg.Payload)
		if diffErr != nil {
			e.logger.Warn("live: dropping bad peer state vector", "error", diffErr)
			return false, nil
		}

		if len(diff) > crdt.EmptyUpdateLen {
			if wErr := s.metaConn.WriteBinary(ctx, wire.Encode(wire.MsgSyncStep2, diff)); wErr != nil {
				return false, wErr
			}
		}

	case wire.MsgSyncStep2, wire.MsgUpdate:
		res, applyErr := e.cfg.Workspace.ApplyUpdate(msg.Payload, crdt.OriginSync)
		if applyErr != nil {
			e.logger.Warn("live: dropping unappliable workspace update", "error", applyErr)
			return false, nil
		}

		if res != nil && len(res.ChangedPaths) > 0 {
			s.writeMetadataToDisk(ctx, res.ChangedPaths)
		}
	}

	return false, nil
}

// writeMetadataToDisk mirrors changed workspace entries to the filesystem:
// live entries are (re)written, tombstoned ones deleted.
func (s *session) writeMetadataToDisk(ctx context.Context, changed []string) {
	e := s.engine

	var live []crdt.FileEntry
	var removed []string

	for _, path := range changed {
		if meta := e.cfg.Workspace.Get(path); meta != nil {
			live = append(live, crdt.FileEntry{Path: path, Meta: meta})
		} else {
			removed = append(removed, path)
		}
	}

	if err := e.cfg.Handler.HandleRemoteMetadataUpdate(ctx, live, removed, e.cfg.Bodies, e.cfg.WriteToDisk); err != nil {
		e.logger.Warn("live: writing metadata update to disk failed", "error", err)
	}
}

// bodyChannel waits for the metadata handshake, dials the body URL, sends
// a framed SyncStep1 per known file, and streams.
func (s *session) bodyChannel(ctx context.Context) error {
	e := s.engine

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.handshake:
	}

	conn, err := e.cfg.Dialer.Dial(ctx, s.bodyURL)
	if err != nil {
		return err
	}

	defer conn.Close()

	if err := s.sendBodyStep1s(ctx, conn); err != nil {
		return err
	}

	close(s.bodyReady)

	frames := make(chan Frame)
	readErrs := make(chan error, 1)

	go reader(ctx, conn, frames, readErrs)

	ping := time.NewTimer(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrs:
			return err

		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return err
			}

			ping.Reset(pingInterval)

		case msg := <-s.bodyOut:
			if err := conn.WriteBinary(ctx, msg); err != nil {
				return err
			}

			ping.Reset(pingInterval)

		case fr := <-frames:
			ping.Reset(pingInterval)

			if err := s.handleBodyFrame(ctx, conn, fr); err != nil {
				return err
			}
		}
	}
}

// sendBodyStep1s emits SyncStep1 for every path in the workspace doc,
// pausing briefly between batches so a large workspace does not flood the
// server.
func (s *session) sendBodyStep1s(ctx context.Context, conn Conn) error {
	e := s.engine

	files := e.cfg.Workspace.ListFiles()

	if len(files) == 0 {
		// Nothing to reconcile; the body side is trivially synced.
		e.markChannelSynced(true, 0)
		return nil
	}

	for i, f := range files {
		sv, err := e.cfg.Bodies.StateVector(ctx, f.Path)
		if err != nil {
			e.logger.Warn("live: skipping body step1", "path", f.Path, "error", err)
			continue
		}

		framed := wire.FrameBody(f.Path, wire.Encode(wire.MsgSyncStep1, sv))
		if err := conn.WriteBinary(ctx, framed); err != nil {
			return err
		}

		if (i+1)%bodyStep1Batch == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bodyStep1BatchRest):
			}
		}
	}

	return nil
}

// handleBodyFrame processes one body-channel frame.
func (s *session) handleBodyFrame(ctx context.Context, conn Conn, fr Frame) error {
	e := s.engine

	if fr.Text {
		s.handleControl(fr.Data, true)
		return nil
	}

	path, inner, err := wire.UnframeBody(fr.Data)
	if err != nil {
		e.logger.Warn("live: dropping malformed body frame", "error", err)
		return nil
	}

	msg, err := wire.Decode(inner)
	if err != nil {
		e.logger.Warn("live: dropping malformed body message", "path", path, "error", err)
		return nil
	}

	switch msg.Type {
	case wire.MsgSyncStep1:
		diff, diffErr := e.cfg.Bodies.Diff(ctx, path, msg.Payload)
		if diffErr != nil {
			e.logger.Warn("live: dropping bad body state vector", "path", path, "error", diffErr)
			return nil
		}

		if len(diff) > crdt.EmptyUpdateLen {
			framed := wire.FrameBody(path, wire.Encode(wire.MsgSyncStep2, diff))
			if wErr := conn.WriteBinary(ctx, framed); wErr != nil {
				return wErr
			}
		}

	case wire.MsgSyncStep2, wire.MsgUpdate:
		changed, applyErr := e.cfg.Bodies.ApplyUpdate(ctx, path, msg.Payload, crdt.OriginSync)
		if applyErr != nil {
			e.logger.Warn("live: dropping unappliable body update", "path", path, "error", applyErr)
			return nil
		}

		if changed {
			body, bodyErr := e.cfg.Bodies.GetBody(ctx, path)
			if bodyErr != nil {
				e.logger.Warn("live: reading merged body failed", "path", path, "error", bodyErr)
				return nil
			}

			if wErr := e.cfg.Handler.HandleRemoteBodyUpdate(ctx, path, body, e.cfg.Bodies, e.cfg.WriteToDisk); wErr != nil {
				e.logger.Warn("live: writing body update to disk failed", "path", path, "error", wErr)
			}
		}
	}

	return nil
}

// handleControl processes a JSON control frame from either channel.
// Unknown types are accepted and ignored. Returns true when the frame was
// this channel's sync_complete.
func (s *session) handleControl(data []byte, isBody bool) bool {
	e := s.engine

	msg, err := wire.DecodeControl(string(data))
	if err != nil {
		e.logger.Warn("live: dropping malformed control frame", "error", err)
		return false
	}

	switch msg.Type {
	case wire.ControlSyncProgress:
		e.status.set(Status{State: StateSyncing, Completed: msg.Completed, Total: msg.Total})

	case wire.ControlSyncComplete:
		e.markChannelSynced(isBody, msg.FilesSynced)
		return true

	case wire.ControlPeerJoined:
		e.logger.Info("live: peer joined", "guest_id", msg.GuestID, "peer_count", msg.PeerCount)

	case wire.ControlPeerLeft:
		e.logger.Info("live: peer left", "guest_id", msg.GuestID, "peer_count", msg.PeerCount)

	default:
		e.logger.Debug("live: ignoring unknown control type", "type", msg.Type)
	}

	return false
}

// resetTimer safely re-arms a timer that may have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	t.Reset(d)
}
