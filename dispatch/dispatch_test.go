package dispatch

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testServerHandler struct {
	connects    atomic.Uint32
	disconnects atomic.Uint32
	messages    atomic.Uint32
	lastPID     atomic.Uint32
}

func (h *testServerHandler) OnClientConnect(clientID uint32, info ClientRegistration) {
	h.connects.Add(1)
	h.lastPID.Store(info.PID)
}
func (h *testServerHandler) OnClientDisconnect(clientID uint32) { h.disconnects.Add(1) }
func (h *testServerHandler) OnMessage(clientID uint32, data []byte) { h.messages.Add(1) }
func (h *testServerHandler) OnError(clientID *uint32, err error)    {}

type testClientHandler struct {
	mu        sync.Mutex
	connected bool
	messages  atomic.Uint32
}

func (h *testClientHandler) OnConnect(clientID uint32, channelName string) {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
}
func (h *testClientHandler) OnDisconnect() {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
}
func (h *testClientHandler) OnMessage(data []byte) { h.messages.Add(1) }
func (h *testClientHandler) OnError(err error)      {}

func (h *testClientHandler) isConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func testDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "xshm-dispatch-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return cond()
}

func TestDispatchServerStartStop(t *testing.T) {
	dir := testDir(t)
	handler := &testServerHandler{}
	name := fmt.Sprintf("TEST_DISPATCH_%d", os.Getpid())
	server, err := Start(dir, name, handler, DefaultOptions())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if server.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", server.ClientCount())
	}
	server.Stop()
}

func TestDispatchRoundtrip(t *testing.T) {
	dir := testDir(t)
	name := fmt.Sprintf("TEST_DISPATCH_RT_%d", os.Getpid())

	serverHandler := &testServerHandler{}
	server, err := Start(dir, name, serverHandler, DefaultOptions())
	if err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	clientHandler := &testClientHandler{}
	registration := ClientRegistration{PID: 12345, Revision: 1, Name: "test.exe"}
	client, err := Connect(dir, name, registration, clientHandler, DefaultClientOptions())
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer client.Close()

	if !waitUntil(t, 5*time.Second, func() bool { return serverHandler.connects.Load() > 0 }) {
		t.Fatal("server never registered the client")
	}

	if !clientHandler.isConnected() {
		t.Fatal("client handler never saw OnConnect")
	}
	if serverHandler.connects.Load() != 1 {
		t.Fatalf("expected 1 connect, got %d", serverHandler.connects.Load())
	}
	if serverHandler.lastPID.Load() != 12345 {
		t.Fatalf("expected pid 12345, got %d", serverHandler.lastPID.Load())
	}
	if client.ClientID() == 0 {
		t.Fatal("expected non-zero client id")
	}
	if server.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", server.ClientCount())
	}

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("client send: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return serverHandler.messages.Load() >= 1 }) {
		t.Fatal("server never received the message")
	}

	ids := server.ConnectedClients()
	if len(ids) != 1 {
		t.Fatalf("expected 1 connected id, got %d", len(ids))
	}
	if err := server.SendTo(ids[0], []byte("world")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return clientHandler.messages.Load() >= 1 }) {
		t.Fatal("client never received the message")
	}
}

func TestDispatchDisconnectNoDoubleNotify(t *testing.T) {
	dir := testDir(t)
	name := fmt.Sprintf("TEST_DISPATCH_DC_%d", os.Getpid())

	serverHandler := &testServerHandler{}
	server, err := Start(dir, name, serverHandler, DefaultOptions())
	if err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	clientHandler := &testClientHandler{}
	registration := ClientRegistration{PID: 99999, Revision: 1, Name: "dc_test.exe"}
	client, err := Connect(dir, name, registration, clientHandler, DefaultClientOptions())
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer client.Close()

	if !waitUntil(t, 5*time.Second, func() bool { return server.ClientCount() == 1 }) {
		t.Fatal("server never saw the client connect")
	}

	ids := server.ConnectedClients()
	if err := server.DisconnectClient(ids[0]); err != nil {
		t.Fatalf("disconnect client: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if serverHandler.disconnects.Load() != 1 {
		t.Fatalf("expected exactly 1 disconnect, got %d", serverHandler.disconnects.Load())
	}
}

func TestDispatchMultipleClients(t *testing.T) {
	dir := testDir(t)
	name := fmt.Sprintf("TEST_DISPATCH_MC_%d", os.Getpid())

	serverHandler := &testServerHandler{}
	server, err := Start(dir, name, serverHandler, DefaultOptions())
	if err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	const n = 3
	clients := make([]*Client, 0, n)
	handlers := make([]*testClientHandler, 0, n)
	for i := 0; i < n; i++ {
		handler := &testClientHandler{}
		reg := ClientRegistration{PID: uint32(1000 + i), Revision: 1, Name: fmt.Sprintf("client_%d.exe", i)}
		client, err := Connect(dir, name, reg, handler, DefaultClientOptions())
		if err != nil {
			t.Fatalf("client %d connect: %v", i, err)
		}
		clients = append(clients, client)
		handlers = append(handlers, handler)

		expected := uint32(i + 1)
		if !waitUntil(t, 5*time.Second, func() bool { return server.ClientCount() >= expected }) {
			t.Fatalf("server never registered client %d", i)
		}
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	if server.ClientCount() != n {
		t.Fatalf("expected %d clients, got %d", n, server.ClientCount())
	}
	if serverHandler.connects.Load() != n {
		t.Fatalf("expected %d connects, got %d", n, serverHandler.connects.Load())
	}

	for _, c := range clients {
		if err := c.Send([]byte("ping")); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if !waitUntil(t, 2*time.Second, func() bool { return serverHandler.messages.Load() >= n }) {
		t.Fatal("server never received all pings")
	}

	sent := server.Broadcast([]byte("pong"))
	if sent != n {
		t.Fatalf("expected broadcast to %d clients, got %d", n, sent)
	}
	for i, handler := range handlers {
		if !waitUntil(t, 2*time.Second, func() bool { return handler.messages.Load() >= 1 }) {
			t.Fatalf("client %d never received broadcast", i)
		}
	}
}
