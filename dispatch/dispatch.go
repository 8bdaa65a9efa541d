// Package dispatch implements the on-demand multiplexer (§4.6): a single
// lobby ring accepts registrations from any number of clients, and each
// registered client is handed off to a freshly named auto.Server channel of
// its own. Ported from original_source/src/dispatch/mod.rs.
package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"xshm/auto"
	"xshm/xshm"
)

// ClientRegistration carries the identity a client sends over the lobby
// during registration.
type ClientRegistration struct {
	PID      uint32
	Bits     byte
	Revision uint16
	Name     string
}

// Handler receives dispatch server lifecycle and message events. client_id
// is nil in OnError for errors not attributable to a single client.
type Handler interface {
	OnClientConnect(clientID uint32, info ClientRegistration)
	OnClientDisconnect(clientID uint32)
	OnMessage(clientID uint32, data []byte)
	OnError(clientID *uint32, err error)
}

// BaseHandler implements Handler with no-ops, for embedding.
type BaseHandler struct{}

func (BaseHandler) OnClientConnect(clientID uint32, info ClientRegistration) {}
func (BaseHandler) OnClientDisconnect(clientID uint32)                      {}
func (BaseHandler) OnMessage(clientID uint32, data []byte)                  {}
func (BaseHandler) OnError(clientID *uint32, err error)                     {}

// ClientHandler receives DispatchClient lifecycle and message events.
type ClientHandler interface {
	OnConnect(clientID uint32, channelName string)
	OnDisconnect()
	OnMessage(data []byte)
	OnError(err error)
}

// BaseClientHandler implements ClientHandler with no-ops, for embedding.
type BaseClientHandler struct{}

func (BaseClientHandler) OnConnect(clientID uint32, channelName string) {}
func (BaseClientHandler) OnDisconnect()                                 {}
func (BaseClientHandler) OnMessage(data []byte)                         {}
func (BaseClientHandler) OnError(err error)                             {}

// Options tunes DispatchServer timing.
type Options struct {
	LobbyTimeout          time.Duration
	ChannelConnectTimeout time.Duration
	PollTimeout           time.Duration
	RecvBatch             int
}

// DefaultOptions mirrors the teacher implementation's defaults.
func DefaultOptions() Options {
	return Options{
		LobbyTimeout:          5 * time.Second,
		ChannelConnectTimeout: 30 * time.Second,
		PollTimeout:           50 * time.Millisecond,
		RecvBatch:             32,
	}
}

// ClientOptions tunes DispatchClient timing.
type ClientOptions struct {
	LobbyTimeout    time.Duration
	ResponseTimeout time.Duration
	ChannelTimeout  time.Duration
	PollTimeout     time.Duration
	RecvBatch       int
	MaxSendQueue    int
}

// DefaultClientOptions mirrors the teacher implementation's defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		LobbyTimeout:    5 * time.Second,
		ResponseTimeout: 5 * time.Second,
		ChannelTimeout:  10 * time.Second,
		PollTimeout:     50 * time.Millisecond,
		RecvBatch:       32,
		MaxSendQueue:    256,
	}
}

type dispatchedClient struct {
	server       *auto.Server
	info         ClientRegistration
	channelName  string
	disconnected atomic.Bool
}

// Server is the central lobby: one ring accepts registrations, and each
// accepted client gets its own dynamically named auto.Server channel.
type Server struct {
	baseName string
	dir      string

	mu      sync.RWMutex
	clients map[uint32]*dispatchedClient

	running      atomic.Bool
	nextClientID atomic.Uint32

	handler Handler
	options Options

	wg sync.WaitGroup
}

// Start creates the lobby and spawns the worker goroutine that accepts
// registrations through it.
func Start(dir, baseName string, handler Handler, opts Options) (*Server, error) {
	s := &Server{
		baseName: baseName,
		dir:      dir,
		clients:  make(map[uint32]*dispatchedClient),
		handler:  handler,
		options:  opts,
	}
	s.nextClientID.Store(1)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.workerLoop()
	}()
	return s, nil
}

// SendTo sends a message to a specific connected client.
func (s *Server) SendTo(clientID uint32, data []byte) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return xshm.ErrNotConnected
	}
	return client.server.Send(data)
}

// Broadcast sends data to every connected client and returns how many sends
// were accepted.
func (s *Server) Broadcast(data []byte) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sent uint32
	for _, client := range s.clients {
		if client.server.Send(data) == nil {
			sent++
		}
	}
	return sent
}

// DisconnectClient tears down a specific client's dedicated channel.
func (s *Server) DisconnectClient(clientID uint32) error {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return xshm.ErrNotConnected
	}
	client.disconnected.Store(true)
	client.server.Stop()
	s.handler.OnClientDisconnect(clientID)
	return nil
}

// ConnectedClients returns the ids of all currently connected clients.
func (s *Server) ConnectedClients() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint32(len(s.clients))
}

// IsClientConnected reports whether clientID is currently connected.
func (s *Server) IsClientConnected(clientID uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// ClientInfo returns the registration info for a connected client.
func (s *Server) ClientInfo(clientID uint32) (ClientRegistration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return ClientRegistration{}, false
	}
	return client.info, true
}

// ClientChannel returns the dedicated channel name for a connected client.
func (s *Server) ClientChannel(clientID uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return "", false
	}
	return client.channelName, true
}

// BaseName returns the lobby's base name.
func (s *Server) BaseName() string { return s.baseName }

// Stop signals the worker loop to exit and waits for every dedicated channel
// to tear down.
func (s *Server) Stop() {
	s.running.Store(false)
	s.wg.Wait()
}

// generateChannelName derives a channel name from the current time and the
// caller's client-id counter, mixed through a 64-bit avalanche so that
// concurrent registrations never collide.
func generateChannelName(baseName string, counter uint32) string {
	timeNanos := uint64(time.Now().UnixNano())

	state := timeNanos ^ (uint64(counter) * 0x517cc1b727220a95)
	state ^= state >> 17
	state *= 0xbf58476d1ce4e5b9
	state ^= state >> 31
	state *= 0x94d049bb133111eb
	state ^= state >> 32

	const hex = "0123456789abcdef"
	suffix := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		suffix[i] = hex[state&0xf]
		state >>= 4
	}
	return baseName + "_" + string(suffix)
}

// workerLoop accepts clients through the lobby one at a time, handing each
// off to a freshly created dedicated channel.
func (s *Server) workerLoop() {
	for s.running.Load() {
		lobby, err := xshm.StartServer(s.dir, s.baseName)
		if err != nil {
			s.handler.OnError(nil, err)
			if !waitDelay(&s.running, s.options.PollTimeout) {
				return
			}
			continue
		}

		recreate := false
		for s.running.Load() && !recreate {
			timeout := s.options.PollTimeout
			err := lobby.WaitForClient(&timeout)
			switch {
			case err == nil:
				s.handleLobbyClient(lobby)
				lobby.MarkDisconnected()
			case errors.Is(err, xshm.ErrTimeout):
				continue
			case errors.Is(err, xshm.ErrAlreadyConnected):
				lobby.MarkDisconnected()
			default:
				s.handler.OnError(nil, err)
				recreate = true
			}
		}
		_ = lobby.Close()
	}

	s.shutdownClients()
}

func (s *Server) shutdownClients() {
	s.mu.Lock()
	clients := make(map[uint32]*dispatchedClient, len(s.clients))
	for id, client := range s.clients {
		clients[id] = client
		delete(s.clients, id)
	}
	s.mu.Unlock()

	for id, client := range clients {
		client.disconnected.Store(true)
		client.server.Stop()
		s.handler.OnClientDisconnect(id)
	}
}

// handleLobbyClient reads a registration request off the lobby ring, spins
// up a dedicated channel for the client, and waits for the client to connect
// to it before registering the client in the shared map.
func (s *Server) handleLobbyClient(lobby *xshm.Server) {
	request, err := s.readRegistration(lobby)
	if err != nil {
		s.handler.OnError(nil, err)
		return
	}

	clientID := s.nextClientID.Add(1) - 1
	// generateChannelName's counter input mirrors the Rust source reading
	// next_client_id *after* the fetch_add that produced clientID, i.e.
	// clientID+1, not the pre-increment clientID itself.
	channelName := generateChannelName(s.baseName, clientID+1)

	info := ClientRegistration{
		PID:      request.PID,
		Bits:     request.Bits,
		Revision: request.Revision,
		Name:     request.Name,
	}

	connected := make(chan struct{})
	var once sync.Once
	proxy := &autoProxyHandler{
		clientID:  clientID,
		handler:   s.handler,
		server:    s,
		onConnect: func() { once.Do(func() { close(connected) }) },
	}

	autoOpts := auto.DefaultOptions()
	autoOpts.ConnectTimeout = s.options.ChannelConnectTimeout
	autoOpts.WaitTimeout = s.options.PollTimeout
	autoOpts.RecvBatch = s.options.RecvBatch

	autoServer, err := auto.StartServer(s.dir, channelName, proxy, autoOpts)
	if err != nil {
		s.handler.OnError(nil, err)
		reject := EncodeResponse(RegistrationResponse{Status: StatusRejected})
		_, _ = lobby.SendToClient(reject)
		return
	}

	response := EncodeResponse(RegistrationResponse{
		Status:      StatusOK,
		ClientID:    clientID,
		ChannelName: channelName,
	})
	if _, err := lobby.SendToClient(response); err != nil {
		s.handler.OnError(nil, err)
		autoServer.Stop()
		return
	}

	select {
	case <-connected:
	case <-time.After(s.options.ChannelConnectTimeout):
		autoServer.Stop()
		return
	}

	client := &dispatchedClient{server: autoServer, info: info, channelName: channelName}
	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	s.handler.OnClientConnect(clientID, info)
}

// readRegistration blocks (bounded by LobbyTimeout) until a registration
// request arrives on the lobby ring and decodes it.
func (s *Server) readRegistration(lobby *xshm.Server) (RegistrationRequest, error) {
	var buffer []byte
	deadline := time.Now().Add(s.options.LobbyTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return RegistrationRequest{}, xshm.ErrTimeout
		}
		if !s.running.Load() {
			return RegistrationRequest{}, xshm.ErrNotReady
		}

		n, err := lobby.ReceiveFromClient(&buffer)
		switch {
		case err == nil:
			return DecodeRequest(buffer[:n])
		case errors.Is(err, xshm.ErrQueueEmpty):
			wait := s.options.PollTimeout
			if wait > remaining {
				wait = remaining
			}
			_, _ = lobby.PollClient(&wait)
		default:
			return RegistrationRequest{}, err
		}
	}
}

func waitDelay(running *atomic.Bool, delay time.Duration) bool {
	const step = 10 * time.Millisecond
	for waited := time.Duration(0); waited < delay; waited += step {
		if !running.Load() {
			return false
		}
		time.Sleep(step)
	}
	return running.Load()
}

// autoProxyHandler bridges an auto.Server's callbacks for one client's
// dedicated channel onto the dispatch Handler, tagging every callback with
// the client id and guarding against a double disconnect notification (the
// server can call DisconnectClient concurrently with the channel's own
// natural disconnect).
type autoProxyHandler struct {
	clientID  uint32
	handler   Handler
	server    *Server
	onConnect func()
}

func (p *autoProxyHandler) OnConnect() { p.onConnect() }

func (p *autoProxyHandler) OnDisconnect() {
	p.server.mu.Lock()
	client, ok := p.server.clients[p.clientID]
	removed := false
	if ok && client.disconnected.CompareAndSwap(false, true) {
		delete(p.server.clients, p.clientID)
		removed = true
	}
	p.server.mu.Unlock()

	if removed {
		p.handler.OnClientDisconnect(p.clientID)
	}
}

func (p *autoProxyHandler) OnMessage(direction xshm.Direction, payload []byte) {
	p.handler.OnMessage(p.clientID, payload)
}

func (p *autoProxyHandler) OnOverflow(direction xshm.Direction, count uint32) {}

func (p *autoProxyHandler) OnSpaceAvailable(direction xshm.Direction) {}

func (p *autoProxyHandler) OnError(err error) {
	id := p.clientID
	p.handler.OnError(&id, err)
}

// Client connects to a Server, registers, and is handed off to a dedicated
// channel. It does not reconnect automatically; a lost client must be
// recreated by the caller.
type Client struct {
	mu         sync.Mutex
	autoClient *auto.Client
	running    atomic.Bool
	clientID   uint32
	channel    string
}

// Connect registers with the dispatch server at dir/baseName and connects to
// the dedicated channel it is assigned. This call blocks for the full
// lobby-registration-then-channel-connect sequence.
func Connect(dir, baseName string, registration ClientRegistration, handler ClientHandler, opts ClientOptions) (*Client, error) {
	clientID, channelName, err := lobbyRegister(dir, baseName, registration, opts)
	if err != nil {
		return nil, err
	}

	connected := make(chan struct{})
	var once sync.Once
	proxy := &clientProxyHandler{
		handler:   handler,
		onConnect: func() { once.Do(func() { close(connected) }) },
	}

	autoOpts := auto.DefaultOptions()
	autoOpts.ConnectTimeout = opts.ChannelTimeout
	autoOpts.WaitTimeout = opts.PollTimeout
	autoOpts.MaxSendQueue = opts.MaxSendQueue
	autoOpts.RecvBatch = opts.RecvBatch

	autoClient := auto.ConnectClient(dir, channelName, proxy, autoOpts)

	select {
	case <-connected:
	case <-time.After(opts.ChannelTimeout):
		autoClient.Stop()
		return nil, xshm.ErrTimeout
	}

	handler.OnConnect(clientID, channelName)

	c := &Client{autoClient: autoClient, clientID: clientID, channel: channelName}
	c.running.Store(true)
	return c, nil
}

// Send sends a message to the server on the dedicated channel.
func (c *Client) Send(data []byte) error {
	if !c.running.Load() {
		return xshm.ErrNotReady
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoClient == nil {
		return xshm.ErrNotConnected
	}
	return c.autoClient.Send(data)
}

// ClientID returns the id assigned during registration.
func (c *Client) ClientID() uint32 { return c.clientID }

// ChannelName returns the dedicated channel name assigned during
// registration.
func (c *Client) ChannelName() string { return c.channel }

// IsConnected reports whether Close has not yet been called. It does not
// track the dedicated channel's connection: it stays true after the server
// side of the channel disconnects.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running.Load() && c.autoClient != nil
}

// Close stops the dedicated channel worker and disconnects.
func (c *Client) Close() error {
	c.running.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoClient != nil {
		c.autoClient.Stop()
		c.autoClient = nil
	}
	return nil
}

// lobbyRegister performs the blocking lobby handshake: connect, send a
// registration request, and read back the assigned client id and channel
// name.
func lobbyRegister(dir, baseName string, registration ClientRegistration, opts ClientOptions) (uint32, string, error) {
	lobbyTimeout := opts.LobbyTimeout
	client, err := xshm.Connect(dir, baseName, &lobbyTimeout)
	if err != nil {
		return 0, "", err
	}
	defer client.Close()

	request := EncodeRequest(RegistrationRequest{
		PID:      registration.PID,
		Bits:     registration.Bits,
		Revision: registration.Revision,
		Name:     registration.Name,
	})
	if _, err := client.SendToServer(request); err != nil {
		return 0, "", err
	}

	var buffer []byte
	deadline := time.Now().Add(opts.ResponseTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, "", xshm.ErrTimeout
		}

		n, err := client.ReceiveFromServer(&buffer)
		switch {
		case err == nil:
			response, derr := DecodeResponse(buffer[:n])
			if derr != nil {
				return 0, "", derr
			}
			if response.Status != StatusOK {
				return 0, "", xshm.ErrHandshakeFailed
			}
			return response.ClientID, response.ChannelName, nil
		case errors.Is(err, xshm.ErrQueueEmpty):
			wait := opts.PollTimeout
			if wait > remaining {
				wait = remaining
			}
			_, _ = client.PollServer(&wait)
		default:
			return 0, "", err
		}
	}
}

// clientProxyHandler bridges an auto.Client's callbacks for the dedicated
// channel onto the dispatch ClientHandler.
type clientProxyHandler struct {
	handler   ClientHandler
	onConnect func()
}

func (p *clientProxyHandler) OnConnect() {
	p.onConnect()
}

func (p *clientProxyHandler) OnDisconnect() {
	p.handler.OnDisconnect()
}

func (p *clientProxyHandler) OnMessage(direction xshm.Direction, payload []byte) {
	p.handler.OnMessage(payload)
}

func (p *clientProxyHandler) OnOverflow(direction xshm.Direction, count uint32) {}

func (p *clientProxyHandler) OnSpaceAvailable(direction xshm.Direction) {}

func (p *clientProxyHandler) OnError(err error) {
	p.handler.OnError(err)
}
