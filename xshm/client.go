package xshm

import (
	"time"

	"xshm/platform"
)

// Client is the connecting side of a ring pair (§3, §5 handshake).
type Client struct {
	name string
	dir  string

	section *platform.Section
	view    *segmentView
	events  *sharedEvents

	ringTx *Ring
	ringRx *Ring

	connected bool
}

// Connect opens an existing named segment and performs the two-phase
// CLIENT_HELLO/SERVER_READY handshake against its server, ported from
// original_source/src/client.rs.
func Connect(dir, name string, timeout *time.Duration) (*Client, error) {
	if dir == "" {
		dir = DefaultBaseDir
	}
	section, err := platform.OpenSection(SegmentPath(dir, name), SegmentSize)
	if err != nil {
		return nil, wrapPlatform(0, "opening segment", err)
	}
	view, err := newSegmentView(section.View())
	if err != nil {
		_ = section.Close()
		return nil, err
	}

	control := view.controlBlock()
	if control.Magic != SharedMagic {
		_ = section.Close()
		return nil, ErrCorrupted
	}
	if control.Version != SharedVersion {
		_ = section.Close()
		return nil, ErrHandshakeFailed
	}

	events, err := openSharedEvents(dir, name)
	if err != nil {
		_ = section.Close()
		return nil, err
	}

	resetToIdle := func() {
		control.ClientState.Store(HandshakeIdle)
		view.ringHeaderA().HandshakeState.Store(HandshakeIdle)
		view.ringHeaderB().HandshakeState.Store(HandshakeIdle)
	}

	control.ClientState.Store(HandshakeClientHello)
	view.ringHeaderA().HandshakeState.Store(HandshakeClientHello)
	view.ringHeaderB().HandshakeState.Store(HandshakeClientHello)

	_ = events.connectReq.Signal()

	outcome, err := events.connectAck.Wait(timeout)
	if err != nil {
		events.close()
		_ = section.Close()
		return nil, wrapPlatform(0, "waiting for connect_ack", err)
	}
	if outcome != platform.Signalled {
		resetToIdle()
		events.close()
		_ = section.Close()
		return nil, ErrTimeout
	}

	if control.ServerState.Load() != HandshakeServerReady {
		resetToIdle()
		events.close()
		_ = section.Close()
		return nil, ErrHandshakeFailed
	}

	generation := control.Generation.Load()
	view.ringHeaderA().ConnectionGen.Store(generation)
	view.ringHeaderB().ConnectionGen.Store(generation)
	view.ringHeaderA().HandshakeState.Store(HandshakeServerReady)
	view.ringHeaderB().HandshakeState.Store(HandshakeServerReady)

	return &Client{
		name:      name,
		dir:       dir,
		section:   section,
		view:      view,
		events:    events,
		ringTx:    newRing(view.ringHeaderB(), view.ringStorageB()),
		ringRx:    newRing(view.ringHeaderA(), view.ringStorageA()),
		connected: true,
	}, nil
}

// ReservedSlot reads control.reserved[i], used by the slot multiplexer to
// fetch the slot id a lobby handshake assigned (§4.5).
func (c *Client) ReservedSlot(i int) uint32 {
	return c.view.controlBlock().Reserved[i].Load()
}

// IsConnected reports whether the handshake succeeded and Close hasn't run.
func (c *Client) IsConnected() bool { return c.connected }

func (c *Client) ensureConnected() error {
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

// MarkDisconnected flags the client as disconnected without touching shared
// state (the server owns resetting handshake state for reconnect).
func (c *Client) MarkDisconnected() { c.connected = false }

// SendToServer enqueues payload on the client->server ring, signalling the
// data event on an empty-to-non-empty transition.
func (c *Client) SendToServer(payload []byte) (WriteOutcome, error) {
	if err := c.ensureConnected(); err != nil {
		return WriteOutcome{}, err
	}
	if len(payload) < MinMessageSize {
		return WriteOutcome{}, ErrMessageTooSmall
	}
	if len(payload) > MaxMessageSize {
		return WriteOutcome{}, ErrMessageTooLarge
	}
	outcome, err := c.ringTx.WriteMessage(payload)
	if err != nil {
		return WriteOutcome{}, err
	}
	if outcome.WasEmpty {
		_ = c.events.c2s.data.Signal()
	}
	return outcome, nil
}

// ReceiveFromServer dequeues the oldest server->client message into out,
// signalling the space event on a non-empty-to-empty transition.
func (c *Client) ReceiveFromServer(out *[]byte) (int, error) {
	if err := c.ensureConnected(); err != nil {
		return 0, err
	}
	n, err := c.ringRx.ReadMessage(out)
	if err != nil {
		return 0, err
	}
	if c.ringRx.IsEmpty() {
		_ = c.events.s2c.space.Signal()
	}
	return n, nil
}

// PollServer reports whether a server message is available, waiting up to
// timeout.
func (c *Client) PollServer(timeout *time.Duration) (bool, error) {
	if err := c.ensureConnected(); err != nil {
		return false, err
	}
	if !c.ringRx.IsEmpty() {
		return true, nil
	}
	outcome, err := c.events.s2c.data.Wait(timeout)
	if err != nil {
		return false, wrapPlatform(0, "polling server", err)
	}
	return outcome == platform.Signalled, nil
}

// WaitWorkerEvents waits on the disconnect, s2c-data and c2s-space events
// together, the three-way wait_any a client auto-worker polls between
// queue-draining passes (see auto.Client).
func (c *Client) WaitWorkerEvents(timeout *time.Duration) (WakeReason, error) {
	idx, outcome, err := platform.WaitAny([]*platform.Event{c.events.disconnect, c.events.s2c.data, c.events.c2s.space}, timeout)
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

// Close idles handshake state and signals disconnect if still connected,
// then tears down the client's own handles (the segment and event FIFOs
// themselves belong to the server, which removes them). A second Close is a
// no-op.
func (c *Client) Close() error {
	if c.section == nil {
		return nil
	}
	if c.connected {
		control := c.view.controlBlock()
		control.ClientState.Store(HandshakeIdle)
		c.view.ringHeaderA().HandshakeState.Store(HandshakeIdle)
		c.view.ringHeaderB().HandshakeState.Store(HandshakeIdle)

		_ = c.events.disconnect.Signal()
		c.connected = false
	}

	c.events.close()
	err := c.section.Close()
	c.section = nil
	return err
}
