package xshm

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testChannelCounter atomic.Uint64

// uniqueChannelName mirrors original_source/tests/ordering.rs's unique_name:
// a per-test base directory isn't enough on its own since the segment and
// event FIFOs are named by (dir, name), not by t.TempDir() alone.
func uniqueChannelName(t *testing.T, tag string) string {
	t.Helper()
	n := testChannelCounter.Add(1)
	return fmt.Sprintf("TEST_%s_%d_%d", tag, os.Getpid(), n)
}

func dur(d time.Duration) *time.Duration { return &d }

func TestServerClientHandshakeRoundtrip(t *testing.T) {
	dir := t.TempDir()
	name := uniqueChannelName(t, "HANDSHAKE")

	server, err := StartServer(dir, name)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer server.Close()

	var client *Client
	var clientErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		client, clientErr = Connect(dir, name, dur(2*time.Second))
	}()

	if err := server.WaitForClient(dur(2 * time.Second)); err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}
	<-done
	if clientErr != nil {
		t.Fatalf("Connect: %v", clientErr)
	}
	defer client.Close()

	if !server.IsConnected() || !client.IsConnected() {
		t.Fatalf("expected both ends connected")
	}

	if _, err := client.SendToServer([]byte("HELLO1")); err != nil {
		t.Fatalf("SendToServer: %v", err)
	}
	if ok, err := server.PollClient(dur(time.Second)); err != nil || !ok {
		t.Fatalf("PollClient: ok=%v err=%v", ok, err)
	}
	var buf []byte
	n, err := server.ReceiveFromClient(&buf)
	if err != nil {
		t.Fatalf("ReceiveFromClient: %v", err)
	}
	if string(buf[:n]) != "HELLO1" {
		t.Fatalf("got %q, want HELLO1", buf[:n])
	}
}

// TestClientRejectsNonexistentServer mirrors
// original_source/tests/ordering.rs's test_invalid_magic_rejected: connecting
// to a channel name with no segment on disk must fail, not hang.
func TestClientRejectsNonexistentServer(t *testing.T) {
	dir := t.TempDir()
	name := uniqueChannelName(t, "NOSERVER")

	_, err := Connect(dir, name, dur(100*time.Millisecond))
	if err == nil {
		t.Fatalf("expected Connect to a nonexistent segment to fail")
	}
}

func TestServerWaitForClientTimesOut(t *testing.T) {
	dir := t.TempDir()
	name := uniqueChannelName(t, "TIMEOUT")

	server, err := StartServer(dir, name)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer server.Close()

	err = server.WaitForClient(dur(50 * time.Millisecond))
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

// TestReconnectBumpsGeneration mirrors
// original_source/tests/ordering.rs's test_generation_on_reconnect: a second
// client connecting after the server marks the first one disconnected must
// see a new generation and fresh buffers, not leftover state from the first
// client.
func TestReconnectBumpsGeneration(t *testing.T) {
	dir := t.TempDir()
	name := uniqueChannelName(t, "RECONNECT")

	server1, err := StartServer(dir, name)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer server1.Close()

	var client1 *Client
	var clientErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		client1, clientErr = Connect(dir, name, dur(2*time.Second))
	}()
	if err := server1.WaitForClient(dur(2 * time.Second)); err != nil {
		t.Fatalf("WaitForClient 1: %v", err)
	}
	<-done
	if clientErr != nil {
		t.Fatalf("Connect 1: %v", clientErr)
	}

	if _, err := client1.SendToServer([]byte("HELLO1")); err != nil {
		t.Fatalf("SendToServer 1: %v", err)
	}
	var buf []byte
	server1.PollClient(dur(200 * time.Millisecond))
	if _, err := server1.ReceiveFromClient(&buf); err != nil {
		t.Fatalf("ReceiveFromClient 1: %v", err)
	}
	gen1 := server1.view.controlBlock().Generation.Load()

	if err := client1.Close(); err != nil {
		t.Fatalf("client1.Close: %v", err)
	}
	server1.MarkDisconnected()

	var client2 *Client
	done2 := make(chan struct{})
	go func() {
		defer close(done2)
		client2, clientErr = Connect(dir, name, dur(2*time.Second))
	}()
	if err := server1.WaitForClient(dur(2 * time.Second)); err != nil {
		t.Fatalf("WaitForClient 2: %v", err)
	}
	<-done2
	if clientErr != nil {
		t.Fatalf("Connect 2: %v", clientErr)
	}
	defer client2.Close()

	gen2 := server1.view.controlBlock().Generation.Load()
	if gen2 <= gen1 {
		t.Fatalf("expected generation to advance across reconnect: gen1=%d gen2=%d", gen1, gen2)
	}

	if _, err := client2.SendToServer([]byte("HELLO2")); err != nil {
		t.Fatalf("SendToServer 2: %v", err)
	}
	server1.PollClient(dur(200 * time.Millisecond))
	var buf2 []byte
	n2, err := server1.ReceiveFromClient(&buf2)
	if err != nil {
		t.Fatalf("ReceiveFromClient 2: %v", err)
	}
	if string(buf2[:n2]) != "HELLO2" {
		t.Fatalf("got %q, want HELLO2", buf2[:n2])
	}
}

// TestBidirectionalOrderingStress mirrors
// original_source/tests/ordering.rs's test_bidirectional_ordering_stress:
// both sides hammer both directions concurrently with no sleeps, to flush
// out message_count/write_pos ordering bugs.
func TestBidirectionalOrderingStress(t *testing.T) {
	const messagesPerSide = 500
	dir := t.TempDir()
	name := uniqueChannelName(t, "BIDIR")

	server, err := StartServer(dir, name)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer server.Close()

	var client *Client
	var clientErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		client, clientErr = Connect(dir, name, dur(2*time.Second))
	}()
	if err := server.WaitForClient(dur(2 * time.Second)); err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}
	<-done
	if clientErr != nil {
		t.Fatalf("Connect: %v", clientErr)
	}
	defer client.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var serverReceived, clientReceived atomic.Uint32

	go func() {
		defer wg.Done()
		var buf []byte
		sent, received := 0, 0
		deadline := time.Now().Add(10 * time.Second)
		for (sent < messagesPerSide || received < messagesPerSide) && time.Now().Before(deadline) {
			if sent < messagesPerSide {
				if _, err := server.SendToClient([]byte(fmt.Sprintf("S%04d", sent))); err == nil {
					sent++
				}
			}
			n, err := server.ReceiveFromClient(&buf)
			switch {
			case err == nil:
				if n > 0 && buf[0] == 'C' {
					received++
				}
			case err == ErrQueueEmpty:
				server.PollClient(dur(time.Millisecond))
			}
		}
		serverReceived.Store(uint32(received))
	}()

	go func() {
		defer wg.Done()
		var buf []byte
		sent, received := 0, 0
		deadline := time.Now().Add(10 * time.Second)
		for (sent < messagesPerSide || received < messagesPerSide) && time.Now().Before(deadline) {
			if sent < messagesPerSide {
				if _, err := client.SendToServer([]byte(fmt.Sprintf("C%04d", sent))); err == nil {
					sent++
				}
			}
			n, err := client.ReceiveFromServer(&buf)
			switch {
			case err == nil:
				if n > 0 && buf[0] == 'S' {
					received++
				}
			case err == ErrQueueEmpty:
				client.PollServer(dur(time.Millisecond))
			}
		}
		clientReceived.Store(uint32(received))
	}()

	wg.Wait()

	if serverReceived.Load() <= messagesPerSide/2 {
		t.Fatalf("server should receive most messages, got %d", serverReceived.Load())
	}
	if clientReceived.Load() <= messagesPerSide/2 {
		t.Fatalf("client should receive most messages, got %d", clientReceived.Load())
	}
}
