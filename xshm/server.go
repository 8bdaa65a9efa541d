package xshm

import (
	"time"

	"xshm/platform"
)

// Server is the accepting side of a ring pair (§3, §5 handshake). It owns
// the segment and, in named mode, the seven event FIFOs: it creates them and
// removes them on Close.
type Server struct {
	name      string
	dir       string
	anonymous bool

	section *platform.Section
	view    *segmentView
	events  *sharedEvents // nil in anonymous mode

	ringTx *Ring
	ringRx *Ring

	connected bool
}

// StartServer creates a new named segment and its event FIFOs under dir,
// ready to accept one client via WaitForClient.
func StartServer(dir, name string) (*Server, error) {
	if dir == "" {
		dir = DefaultBaseDir
	}
	section, err := platform.CreateSection(SegmentPath(dir, name), SegmentSize)
	if err != nil {
		return nil, wrapPlatform(0, "creating segment", err)
	}
	view, err := newSegmentView(section.View())
	if err != nil {
		_ = section.Close()
		return nil, err
	}

	control := view.controlBlock()
	control.reset()
	generation := control.Generation.Load()
	view.ringHeaderA().reset(generation)
	view.ringHeaderB().reset(generation)

	events, err := createSharedEvents(dir, name)
	if err != nil {
		_ = section.Close()
		_ = platform.RemoveSection(SegmentPath(dir, name))
		return nil, err
	}

	return &Server{
		name:    name,
		dir:     dir,
		section: section,
		view:    view,
		events:  events,
		ringTx:  newRing(view.ringHeaderA(), view.ringStorageA()),
		ringRx:  newRing(view.ringHeaderB(), view.ringStorageB()),
	}, nil
}

// StartAnonymousServer creates an unlinked, unnamed segment reachable only
// through the returned *Server. No event FIFOs are created; the caller must
// drive the handshake with WaitForClientNoEvent, polling control-block
// state directly (§9 anonymous sections).
func StartAnonymousServer() (*Server, error) {
	section, err := platform.CreateAnonymousSection(SegmentSize)
	if err != nil {
		return nil, wrapPlatform(0, "creating anonymous segment", err)
	}
	view, err := newSegmentView(section.View())
	if err != nil {
		_ = section.Close()
		return nil, err
	}

	control := view.controlBlock()
	control.reset()
	generation := control.Generation.Load()
	view.ringHeaderA().reset(generation)
	view.ringHeaderB().reset(generation)

	return &Server{
		anonymous: true,
		section:   section,
		view:      view,
		ringTx:    newRing(view.ringHeaderA(), view.ringStorageA()),
		ringRx:    newRing(view.ringHeaderB(), view.ringStorageB()),
	}, nil
}

// WaitForClient blocks until a client completes the handshake, dispatching
// to the polling path in anonymous mode.
func (s *Server) WaitForClient(timeout *time.Duration) error {
	if s.connected {
		return ErrAlreadyConnected
	}
	if s.anonymous {
		return s.WaitForClientNoEvent(timeout)
	}

	outcome, err := s.events.connectReq.Wait(timeout)
	if err != nil {
		return wrapPlatform(0, "waiting for connect_req", err)
	}
	if outcome == platform.TimedOut {
		return ErrTimeout
	}

	control := s.view.controlBlock()
	if control.ClientState.Load() != HandshakeClientHello {
		return ErrHandshakeFailed
	}

	s.publishReady(control)
	_ = s.events.connectAck.Signal()
	s.connected = true
	return nil
}

// WaitForClientNoEvent waits for a client handshake by polling the control
// block directly, with no event FIFOs involved (used by anonymous servers,
// and available to named servers too — see original_source/src/server.rs).
func (s *Server) WaitForClientNoEvent(timeout *time.Duration) error {
	if s.connected {
		return ErrAlreadyConnected
	}

	control := s.view.controlBlock()
	start := time.Now()
	for {
		if control.ClientState.Load() == HandshakeClientHello {
			break
		}
		if timeout != nil && time.Since(start) >= *timeout {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}

	s.publishReady(control)
	s.connected = true
	return nil
}

// publishReady resets both ring headers under a fresh generation, then
// publishes server_state/client_state = SERVER_READY. Buffers are reset
// before the generation bump is published, so a peer observing the new
// generation is guaranteed to see clean buffers (§5 ordering).
func (s *Server) publishReady(control *ControlBlock) {
	newGen := control.Generation.Load() + 1
	s.view.ringHeaderA().reset(newGen)
	s.view.ringHeaderB().reset(newGen)
	control.Generation.Store(newGen)

	s.view.ringHeaderA().HandshakeState.Store(HandshakeServerReady)
	s.view.ringHeaderB().HandshakeState.Store(HandshakeServerReady)
	control.ServerState.Store(HandshakeServerReady)
	control.ClientState.Store(HandshakeServerReady)
}

// IsConnected reports whether a client has completed the handshake.
func (s *Server) IsConnected() bool { return s.connected }

// IsAnonymous reports whether this server was created via
// StartAnonymousServer.
func (s *Server) IsAnonymous() bool { return s.anonymous }

func (s *Server) ensureConnected() error {
	if !s.connected {
		return ErrNotConnected
	}
	return nil
}

// SendToClient enqueues payload on the server->client ring, signalling the
// data event on an empty-to-non-empty transition.
func (s *Server) SendToClient(payload []byte) (WriteOutcome, error) {
	if err := s.ensureConnected(); err != nil {
		return WriteOutcome{}, err
	}
	outcome, err := s.ringTx.WriteMessage(payload)
	if err != nil {
		return WriteOutcome{}, err
	}
	if s.events != nil && outcome.WasEmpty {
		_ = s.events.s2c.data.Signal()
	}
	return outcome, nil
}

// ReceiveFromClient dequeues the oldest client->server message into out,
// signalling the space event on a non-empty-to-empty transition.
func (s *Server) ReceiveFromClient(out *[]byte) (int, error) {
	if err := s.ensureConnected(); err != nil {
		return 0, err
	}
	n, err := s.ringRx.ReadMessage(out)
	if err != nil {
		return 0, err
	}
	if s.events != nil && s.ringRx.IsEmpty() {
		_ = s.events.c2s.space.Signal()
	}
	return n, nil
}

// PollClient reports whether a client message is available, waiting up to
// timeout. In anonymous mode it only checks the ring directly (no events to
// wait on) and never blocks.
func (s *Server) PollClient(timeout *time.Duration) (bool, error) {
	if err := s.ensureConnected(); err != nil {
		return false, err
	}
	if !s.ringRx.IsEmpty() {
		return true, nil
	}
	if s.events == nil {
		return false, nil
	}
	outcome, err := s.events.c2s.data.Wait(timeout)
	if err != nil {
		return false, wrapPlatform(0, "polling client", err)
	}
	return outcome == platform.Signalled, nil
}

// WakeReason identifies which event woke a WaitWorkerEvents call.
type WakeReason int

const (
	WakeTimeout WakeReason = iota
	WakeDisconnected
	WakeDataAvailable
	WakeSpaceAvailable
)

// WaitWorkerEvents waits on the disconnect, c2s-data and s2c-space events
// together, the three-way wait_any a server auto-worker polls between
// queue-draining passes (see auto.Server). Anonymous servers have no
// events to wait on and always report WakeTimeout immediately.
func (s *Server) WaitWorkerEvents(timeout *time.Duration) (WakeReason, error) {
	if s.events == nil {
		return WakeTimeout, nil
	}
	idx, outcome, err := platform.WaitAny([]*platform.Event{s.events.disconnect, s.events.c2s.data, s.events.s2c.space}, timeout)
	if err != nil {
		return WakeTimeout, wrapPlatform(0, "waiting for worker events", err)
	}
	if outcome == platform.TimedOut {
		return WakeTimeout, nil
	}
	switch idx {
	case 0:
		return WakeDisconnected, nil
	case 1:
		return WakeDataAvailable, nil
	case 2:
		return WakeSpaceAvailable, nil
	default:
		return WakeTimeout, nil
	}
}

// ConnectReqFd, C2SDataFd and DisconnectFd expose raw event descriptors for
// building a dynamic multi-server wait-set (§4.5, §4.6) across many slots.
// ok is false in anonymous mode, where no events exist.
func (s *Server) ConnectReqFd() (fd int, ok bool) {
	if s.events == nil {
		return 0, false
	}
	return s.events.connectReq.Fd(), true
}

func (s *Server) C2SDataFd() (fd int, ok bool) {
	if s.events == nil {
		return 0, false
	}
	return s.events.c2s.data.Fd(), true
}

func (s *Server) DisconnectFd() (fd int, ok bool) {
	if s.events == nil {
		return 0, false
	}
	return s.events.disconnect.Fd(), true
}

// CompleteSlotHandshake performs the handshake-acceptance half of
// WaitForClient without first waiting on connect_req — used by the slot
// multiplexer, whose wait-set has already observed (and drained) this slot's
// own connect_req and is now accepting the client on the slot segment (§4.5).
func (s *Server) CompleteSlotHandshake() error {
	if s.connected {
		return ErrAlreadyConnected
	}
	control := s.view.controlBlock()
	if control.ClientState.Load() != HandshakeClientHello {
		return ErrHandshakeFailed
	}
	s.publishReady(control)
	if s.events != nil {
		_ = s.events.connectAck.Signal()
	}
	s.connected = true
	return nil
}

// MarkDisconnected resets handshake state so a future client can reconnect,
// without tearing down the segment or events.
func (s *Server) MarkDisconnected() {
	s.connected = false
	control := s.view.controlBlock()
	control.ServerState.Store(HandshakeIdle)
	control.ClientState.Store(HandshakeIdle)
	s.view.ringHeaderA().HandshakeState.Store(HandshakeIdle)
	s.view.ringHeaderB().HandshakeState.Store(HandshakeIdle)
}

// Close tears down the server: idles handshake state, signals disconnect to
// any connected client, unmaps the segment, and removes the segment file
// and event FIFOs this server created.
func (s *Server) Close() error {
	control := s.view.controlBlock()
	control.ServerState.Store(HandshakeIdle)
	control.ClientState.Store(HandshakeIdle)
	s.view.ringHeaderA().HandshakeState.Store(HandshakeIdle)
	s.view.ringHeaderB().HandshakeState.Store(HandshakeIdle)

	if s.connected && s.events != nil {
		_ = s.events.disconnect.Signal()
	}
	s.connected = false

	if s.events != nil {
		s.events.close()
		if !s.anonymous {
			removeSharedEvents(s.dir, s.name)
		}
	}

	err := s.section.Close()
	if !s.anonymous {
		if rmErr := platform.RemoveSection(SegmentPath(s.dir, s.name)); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
