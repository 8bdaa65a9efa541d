// Package multi implements the slot-based multiplexer (§4.5): a server
// pre-creates MAX_CLIENTS endpoint pairs named "{base}_{slot}" and hands
// them out through a lobby endpoint on the base name. Ported from
// original_source/src/multi/mod.rs.
package multi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xshm/xshm"
)

// Handler receives slot-server lifecycle and message events. clientID
// identifies errors is nil for errors not tied to a specific slot.
type Handler interface {
	OnClientConnect(clientID uint32)
	OnClientDisconnect(clientID uint32)
	OnMessage(clientID uint32, data []byte)
	OnError(clientID *uint32, err error)
}

// ClientHandler receives MultiClient lifecycle and message events.
type ClientHandler interface {
	OnConnect(slotID uint32)
	OnDisconnect()
	OnMessage(data []byte)
	OnError(err error)
}

// Options tunes the slot server.
type Options struct {
	MaxClients  uint32
	PollTimeout time.Duration
	RecvBatch   int
}

// DefaultOptions mirrors the teacher implementation's defaults.
func DefaultOptions() Options {
	return Options{MaxClients: xshm.DefaultMaxClients, PollTimeout: 50 * time.Millisecond, RecvBatch: 32}
}

// ClientOptions tunes MultiClient's connect path.
type ClientOptions struct {
	LobbyTimeout time.Duration
	SlotTimeout  time.Duration
	PollTimeout  time.Duration
	RecvBatch    int
}

// DefaultClientOptions mirrors the teacher implementation's defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{LobbyTimeout: 5 * time.Second, SlotTimeout: 5 * time.Second, PollTimeout: 50 * time.Millisecond, RecvBatch: 32}
}

type slot struct {
	mu        sync.Mutex
	id        uint32
	server    *xshm.Server
	connected bool
}

// Server is a multiplexed slot server: a lobby that hands out slot ids, and
// a fixed table of pre-created slot endpoints each serving one client.
type Server struct {
	baseName string
	dir      string

	lobby *xshm.Lobby
	slots []*slot

	running atomic.Bool
	wg      sync.WaitGroup

	handler Handler
	options Options
}

// Start creates the lobby and the slot table, then spawns the worker
// goroutine that services both.
func Start(dir, baseName string, handler Handler, opts Options) (*Server, error) {
	lobby, err := xshm.NewLobby(dir, baseName)
	if err != nil {
		return nil, err
	}

	slots := make([]*slot, opts.MaxClients)
	for i := range slots {
		name := fmt.Sprintf("%s_%d", baseName, i)
		srv, err := xshm.StartServer(dir, name)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = slots[j].server.Close()
			}
			_ = lobby.Close()
			return nil, err
		}
		slots[i] = &slot{id: uint32(i), server: srv}
	}

	s := &Server{baseName: baseName, dir: dir, lobby: lobby, slots: slots, handler: handler, options: opts}
	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.workerLoop()
	}()
	return s, nil
}

// SendTo enqueues data on the named client's slot.
func (s *Server) SendTo(clientID uint32, data []byte) error {
	sl, err := s.slotByID(clientID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.connected {
		return xshm.ErrNotConnected
	}
	_, err = sl.server.SendToClient(data)
	return err
}

// Broadcast enqueues data on every connected slot, returning the count of
// successful enqueues.
func (s *Server) Broadcast(data []byte) uint32 {
	var sent uint32
	for _, sl := range s.slots {
		sl.mu.Lock()
		if sl.connected {
			if _, err := sl.server.SendToClient(data); err == nil {
				sent++
			}
		}
		sl.mu.Unlock()
	}
	return sent
}

// DisconnectClient forcibly disconnects a connected slot.
func (s *Server) DisconnectClient(clientID uint32) error {
	sl, err := s.slotByID(clientID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	wasConnected := sl.connected
	if wasConnected {
		sl.connected = false
		sl.server.MarkDisconnected()
	}
	sl.mu.Unlock()
	if wasConnected {
		s.handler.OnClientDisconnect(clientID)
	}
	return nil
}

// ConnectedClients lists the ids of currently connected slots.
func (s *Server) ConnectedClients() []uint32 {
	var ids []uint32
	for _, sl := range s.slots {
		sl.mu.Lock()
		if sl.connected {
			ids = append(ids, sl.id)
		}
		sl.mu.Unlock()
	}
	return ids
}

// ClientCount returns the number of connected slots.
func (s *Server) ClientCount() uint32 { return uint32(len(s.ConnectedClients())) }

// IsClientConnected reports whether the given slot is connected.
func (s *Server) IsClientConnected(clientID uint32) bool {
	sl, err := s.slotByID(clientID)
	if err != nil {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.connected
}

// BaseName returns the server's base channel name.
func (s *Server) BaseName() string { return s.baseName }

// ChannelName returns the segment name for a given slot id.
func (s *Server) ChannelName(slotID uint32) (string, bool) {
	if slotID >= uint32(len(s.slots)) {
		return "", false
	}
	return fmt.Sprintf("%s_%d", s.baseName, slotID), true
}

// Stop signals the worker goroutine to exit and waits for it.
func (s *Server) Stop() {
	s.running.Store(false)
	s.wg.Wait()
	for _, sl := range s.slots {
		_ = sl.server.Close()
	}
	_ = s.lobby.Close()
}

func (s *Server) slotByID(clientID uint32) (*slot, error) {
	if clientID >= uint32(len(s.slots)) {
		return nil, xshm.ErrNotConnected
	}
	return s.slots[clientID], nil
}

func (s *Server) findFreeSlot() (uint32, bool) {
	for _, sl := range s.slots {
		sl.mu.Lock()
		free := !sl.connected
		sl.mu.Unlock()
		if free {
			return sl.id, true
		}
	}
	return 0, false
}

type eventKind int

const (
	eventLobbyConnect eventKind = iota
	eventSlotConnect
	eventSlotData
	eventSlotDisconnect
)

type eventSource struct {
	kind eventKind
	slot uint32
}

func (s *Server) workerLoop() {
	buffer := make([]byte, 0, xshm.MaxMessageSize)

	for s.running.Load() {
		fds := []int{s.lobby.ConnectReqFd()}
		sources := []eventSource{{kind: eventLobbyConnect}}

		for _, sl := range s.slots {
			sl.mu.Lock()
			connected := sl.connected
			var fd int
			var ok bool
			if connected {
				fd, ok = sl.server.C2SDataFd()
			} else {
				fd, ok = sl.server.ConnectReqFd()
			}
			sl.mu.Unlock()
			if !ok {
				continue
			}
			fds = append(fds, fd)
			if connected {
				sources = append(sources, eventSource{kind: eventSlotData, slot: sl.id})
				dfd, _ := sl.server.DisconnectFd()
				fds = append(fds, dfd)
				sources = append(sources, eventSource{kind: eventSlotDisconnect, slot: sl.id})
			} else {
				sources = append(sources, eventSource{kind: eventSlotConnect, slot: sl.id})
			}
		}

		timeout := s.options.PollTimeout
		idx, signalled, err := xshm.WaitAnyFd(fds, &timeout)
		if err != nil {
			s.handler.OnError(nil, err)
			continue
		}
		if !signalled {
			s.pollAllSlots(&buffer)
			continue
		}
		if idx < 0 || idx >= len(sources) {
			continue
		}
		s.handleEvent(sources[idx], &buffer)
	}
}

func (s *Server) handleEvent(src eventSource, buffer *[]byte) {
	switch src.kind {
	case eventLobbyConnect:
		s.handleLobbyConnect()
	case eventSlotConnect:
		s.handleSlotConnect(src.slot)
	case eventSlotData:
		s.receiveFromSlot(src.slot, buffer)
	case eventSlotDisconnect:
		s.handleSlotDisconnect(src.slot)
	}
}

func (s *Server) handleLobbyConnect() {
	if s.lobby.ClientState() != xshm.HandshakeClientHello {
		return
	}

	slotID, ok := s.findFreeSlot()
	if !ok {
		slotID = xshm.SlotIDNoSlot
	}
	s.lobby.SetReserved(xshm.ReservedSlotIDIndex, slotID)
	s.lobby.SetServerState(xshm.HandshakeServerReady)
	_ = s.lobby.SignalConnectAck()
	// Only client_state is reset for the next client: the connecting client
	// checks server_state == SERVER_READY after connect_ack, so server_state
	// stays SERVER_READY until the next assignment overwrites it.
	s.lobby.SetClientState(xshm.HandshakeIdle)
}

func (s *Server) handleSlotConnect(slotID uint32) {
	sl, err := s.slotByID(slotID)
	if err != nil {
		return
	}
	sl.mu.Lock()
	if sl.connected {
		sl.mu.Unlock()
		return
	}
	err = sl.server.CompleteSlotHandshake()
	if err == nil {
		sl.connected = true
	}
	sl.mu.Unlock()
	if err == nil {
		s.handler.OnClientConnect(slotID)
	}
}

func (s *Server) handleSlotDisconnect(slotID uint32) {
	sl, err := s.slotByID(slotID)
	if err != nil {
		return
	}
	sl.mu.Lock()
	wasConnected := sl.connected
	sl.connected = false
	sl.server.MarkDisconnected()
	sl.mu.Unlock()
	if wasConnected {
		s.handler.OnClientDisconnect(slotID)
	}
}

func (s *Server) receiveFromSlot(slotID uint32, buffer *[]byte) {
	sl, err := s.slotByID(slotID)
	if err != nil {
		return
	}
	for i := 0; i < s.options.RecvBatch; i++ {
		sl.mu.Lock()
		if !sl.connected {
			sl.mu.Unlock()
			return
		}
		n, err := sl.server.ReceiveFromClient(buffer)
		sl.mu.Unlock()
		if err != nil {
			if !errors.Is(err, xshm.ErrQueueEmpty) {
				id := slotID
				s.handler.OnError(&id, err)
			}
			return
		}
		data := append([]byte(nil), (*buffer)[:n]...)
		s.handler.OnMessage(slotID, data)
	}
}

func (s *Server) pollAllSlots(buffer *[]byte) {
	var ids []uint32
	for _, sl := range s.slots {
		sl.mu.Lock()
		if sl.connected {
			ids = append(ids, sl.id)
		}
		sl.mu.Unlock()
	}
	for _, id := range ids {
		s.receiveFromSlot(id, buffer)
	}
}

// Client is the connecting side of the slot multiplexer: it first connects
// to the lobby to be assigned a slot, then reconnects to that slot's
// private segment like a normal endpoint (§4.5).
type Client struct {
	endpoint *xshm.Client
	slotID   uint32
}

// Connect performs the two-step lobby handshake then the slot handshake.
func Connect(dir, baseName string, opts ClientOptions) (*Client, error) {
	lobbyTimeout := opts.LobbyTimeout
	lobby, err := xshm.Connect(dir, baseName, &lobbyTimeout)
	if err != nil {
		return nil, err
	}

	// The lobby's handshake already published the assigned slot id into
	// control.reserved[0] before signalling connect_ack (§4.5); no further
	// round trip is needed.
	slotID := lobby.ReservedSlot(xshm.ReservedSlotIDIndex)
	_ = lobby.Close()
	if slotID == xshm.SlotIDNoSlot {
		return nil, xshm.ErrNoFreeSlot
	}

	slotName := fmt.Sprintf("%s_%d", baseName, slotID)
	slotTimeout := opts.SlotTimeout
	endpoint, err := xshm.Connect(dir, slotName, &slotTimeout)
	if err != nil {
		return nil, err
	}

	return &Client{endpoint: endpoint, slotID: slotID}, nil
}

// SlotID returns the assigned slot id.
func (c *Client) SlotID() uint32 { return c.slotID }

// Send enqueues data on the assigned slot.
func (c *Client) Send(data []byte) error {
	_, err := c.endpoint.SendToServer(data)
	return err
}

// Receive dequeues the oldest message, blocking up to timeout if the ring
// is empty.
func (c *Client) Receive(out *[]byte, timeout time.Duration) (int, error) {
	ready, err := c.endpoint.PollServer(&timeout)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, xshm.ErrTimeout
	}
	return c.endpoint.ReceiveFromServer(out)
}

// Close disconnects from the assigned slot. Slot multiplex clients do not
// reconnect automatically; a lost client must be recreated by the caller.
func (c *Client) Close() error { return c.endpoint.Close() }
