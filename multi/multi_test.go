package multi

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testBaseCounter atomic.Uint64

func uniqueBaseName(t *testing.T, tag string) string {
	t.Helper()
	n := testBaseCounter.Add(1)
	return fmt.Sprintf("MULTI_%s_%d_%d", tag, os.Getpid(), n)
}

type testServerHandler struct {
	mu          sync.Mutex
	connects    []uint32
	disconnects []uint32
	messages    []string
}

func (h *testServerHandler) OnClientConnect(clientID uint32) {
	h.mu.Lock()
	h.connects = append(h.connects, clientID)
	h.mu.Unlock()
}
func (h *testServerHandler) OnClientDisconnect(clientID uint32) {
	h.mu.Lock()
	h.disconnects = append(h.disconnects, clientID)
	h.mu.Unlock()
}
func (h *testServerHandler) OnMessage(clientID uint32, data []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, string(data))
	h.mu.Unlock()
}
func (h *testServerHandler) OnError(clientID *uint32, err error) {}

func (h *testServerHandler) connectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connects)
}

func (h *testServerHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// TestMultiSingleClientAutoSlot mirrors
// original_source/tests/multi.rs's test_multi_single_client_auto_slot.
func TestMultiSingleClientAutoSlot(t *testing.T) {
	dir := t.TempDir()
	base := uniqueBaseName(t, "SINGLE")

	serverHandler := &testServerHandler{}
	server, err := Start(dir, base, serverHandler, DefaultOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client, err := Connect(dir, base, DefaultClientOptions())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if client.SlotID() >= DefaultOptions().MaxClients {
		t.Fatalf("got slot %d, want < %d", client.SlotID(), DefaultOptions().MaxClients)
	}

	if !waitUntil(t, 5*time.Second, func() bool { return serverHandler.connectCount() == 1 }) {
		t.Fatalf("server never saw the client connect")
	}

	if err := client.Send([]byte("Hello from client")); err != nil {
		t.Fatalf("client.Send: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return serverHandler.messageCount() == 1 }) {
		t.Fatalf("server never received the client's message")
	}

	if err := server.SendTo(client.SlotID(), []byte("Hello from server")); err != nil {
		t.Fatalf("server.SendTo: %v", err)
	}
	var buf []byte
	n, err := client.Receive(&buf, 2*time.Second)
	if err != nil {
		t.Fatalf("client.Receive: %v", err)
	}
	if string(buf[:n]) != "Hello from server" {
		t.Fatalf("got %q, want %q", buf[:n], "Hello from server")
	}
}

// TestMultiMultipleClientsAutoSlot mirrors
// original_source/tests/multi.rs's test_multi_multiple_clients_auto_slot.
func TestMultiMultipleClientsAutoSlot(t *testing.T) {
	dir := t.TempDir()
	base := uniqueBaseName(t, "MANY")

	serverHandler := &testServerHandler{}
	opts := DefaultOptions()
	opts.MaxClients = 3
	server, err := Start(dir, base, serverHandler, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	var clients []*Client
	var slots []int
	for i := 0; i < 3; i++ {
		c, err := Connect(dir, base, DefaultClientOptions())
		if err != nil {
			t.Fatalf("Connect client %d: %v", i, err)
		}
		clients = append(clients, c)
		slots = append(slots, int(c.SlotID()))
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	if !waitUntil(t, 5*time.Second, func() bool { return serverHandler.connectCount() == 3 }) {
		t.Fatalf("server never saw all 3 clients, got %d", serverHandler.connectCount())
	}
	if server.ClientCount() != 3 {
		t.Fatalf("got ClientCount=%d, want 3", server.ClientCount())
	}

	sort.Ints(slots)
	want := []int{0, 1, 2}
	for i := range want {
		if slots[i] != want[i] {
			t.Fatalf("got slots %v, want each client to get a unique slot in %v", slots, want)
		}
	}

	sent := server.Broadcast([]byte("Broadcast to all"))
	if sent != 3 {
		t.Fatalf("got Broadcast count=%d, want 3", sent)
	}
	for i, c := range clients {
		var buf []byte
		if _, err := c.Receive(&buf, 2*time.Second); err != nil {
			t.Fatalf("client %d Receive broadcast: %v", i, err)
		}
	}

	for i, c := range clients {
		if err := c.Send([]byte(fmt.Sprintf("Hello from client %d", i))); err != nil {
			t.Fatalf("client %d Send: %v", i, err)
		}
	}
	if !waitUntil(t, 2*time.Second, func() bool { return serverHandler.messageCount() == 3 }) {
		t.Fatalf("server should receive all 3, got %d", serverHandler.messageCount())
	}
}

// TestMultiClientReconnectReusesSlot mirrors
// original_source/tests/multi.rs's test_multi_client_reconnect: a second
// client connecting after the first disconnects must be able to reuse a
// freed slot.
func TestMultiClientReconnectReusesSlot(t *testing.T) {
	dir := t.TempDir()
	base := uniqueBaseName(t, "REUSE")

	serverHandler := &testServerHandler{}
	server, err := Start(dir, base, serverHandler, DefaultOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client1, err := Connect(dir, base, DefaultClientOptions())
	if err != nil {
		t.Fatalf("Connect client 1: %v", err)
	}
	if err := client1.Send([]byte("First client")); err != nil {
		t.Fatalf("client1.Send: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return serverHandler.messageCount() == 1 }) {
		t.Fatalf("server never received client 1's message")
	}
	if err := client1.Close(); err != nil {
		t.Fatalf("client1.Close: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	client2, err := Connect(dir, base, DefaultClientOptions())
	if err != nil {
		t.Fatalf("Connect client 2: %v", err)
	}
	defer client2.Close()

	if err := client2.Send([]byte("Second client")); err != nil {
		t.Fatalf("client2.Send: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return serverHandler.messageCount() == 2 }) {
		t.Fatalf("server never received client 2's message, got %d", serverHandler.messageCount())
	}
}

func TestMultiNoFreeSlotFails(t *testing.T) {
	dir := t.TempDir()
	base := uniqueBaseName(t, "FULL")

	serverHandler := &testServerHandler{}
	opts := DefaultOptions()
	opts.MaxClients = 1
	server, err := Start(dir, base, serverHandler, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client1, err := Connect(dir, base, DefaultClientOptions())
	if err != nil {
		t.Fatalf("Connect client 1: %v", err)
	}
	defer client1.Close()

	if !waitUntil(t, 2*time.Second, func() bool { return serverHandler.connectCount() == 1 }) {
		t.Fatalf("server never saw client 1 connect")
	}

	opts2 := DefaultClientOptions()
	opts2.LobbyTimeout = 2 * time.Second
	_, err = Connect(dir, base, opts2)
	if err == nil {
		t.Fatalf("expected the second client to be rejected for lack of a free slot")
	}
}
