package xshm

import (
	"time"

	"xshm/platform"
)

// WaitAnyFd blocks until one of the given raw event descriptors becomes
// ready, or timeout elapses. Used by the slot multiplexer to wait across a
// dynamically assembled set of lobby and per-slot events (§4.5), which span
// more servers than any single Server/Lobby knows about.
func WaitAnyFd(fds []int, timeout *time.Duration) (int, bool, error) {
	idx, outcome, err := platform.WaitAnyFd(fds, timeout)
	if err != nil {
		return -1, false, wrapPlatform(0, "wait_any_fd", err)
	}
	return idx, outcome == platform.Signalled, nil
}

// Lobby is the distinguished endpoint the slot multiplex server hosts on its
// base name: a segment plus events, manipulated below the Server abstraction
// so the caller can interleave raw control-block writes (the assigned slot
// id) between the handshake steps (§4.5). Grounded on the
// Rust Lobby struct in original_source/src/multi/mod.rs, which is likewise a
// bare view+events pair rather than a full SharedServer.
type Lobby struct {
	dir, name string

	section *platform.Section
	view    *segmentView
	events  *sharedEvents
}

// NewLobby creates the lobby's segment and events.
func NewLobby(dir, name string) (*Lobby, error) {
	if dir == "" {
		dir = DefaultBaseDir
	}
	section, err := platform.CreateSection(SegmentPath(dir, name), SegmentSize)
	if err != nil {
		return nil, wrapPlatform(0, "creating lobby segment", err)
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

	return &Lobby{
		dir:     dir,
		name:    name,
		section: section,
		view:    view,
		events:  events,
	}, nil
}

// ConnectReqFd exposes the lobby's connect_req descriptor for a multi-server
// wait-set.
func (l *Lobby) ConnectReqFd() int { return l.events.connectReq.Fd() }

// ClientState/SetClientState/SetServerState give direct handshake-field
// access for the slot-handoff lobby protocol (§4.5).
func (l *Lobby) ClientState() uint32     { return l.view.controlBlock().ClientState.Load() }
func (l *Lobby) SetClientState(v uint32) { l.view.controlBlock().ClientState.Store(v) }
func (l *Lobby) SetServerState(v uint32) { l.view.controlBlock().ServerState.Store(v) }

// SetReserved writes control.reserved[i], the slot-handoff scratch word used
// to pass a slot id (§4.5) back to the connecting client.
func (l *Lobby) SetReserved(i int, v uint32) { l.view.controlBlock().Reserved[i].Store(v) }

// SignalConnectAck notifies a waiting client that the lobby has published a
// response (the assigned slot id, §4.5).
func (l *Lobby) SignalConnectAck() error { return l.events.connectAck.Signal() }

// Close unmaps the lobby segment, removes the segment file and event FIFOs.
func (l *Lobby) Close() error {
	l.events.close()
	removeSharedEvents(l.dir, l.name)
	err := l.section.Close()
	if rmErr := platform.RemoveSection(SegmentPath(l.dir, l.name)); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
