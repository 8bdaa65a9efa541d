// Package auto runs a ring pair behind a worker goroutine: a bounded,
// overwrite-oldest send queue drained each tick, and a batch of reads
// dispatched to a user-supplied handler, with automatic reconnect on the
// client side. Ported from original_source/src/auto/mod.rs.
package auto

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"xshm/xshm"
)

// Handler receives connection lifecycle and message events from a worker.
// Embed BaseHandler to pick only the callbacks you need.
type Handler interface {
	OnConnect()
	OnDisconnect()
	OnMessage(direction xshm.Direction, payload []byte)
	OnOverflow(direction xshm.Direction, count uint32)
	OnSpaceAvailable(direction xshm.Direction)
	OnError(err error)
}

// BaseHandler implements Handler with no-ops, for embedding.
type BaseHandler struct{}

func (BaseHandler) OnConnect()                                       {}
func (BaseHandler) OnDisconnect()                                    {}
func (BaseHandler) OnMessage(direction xshm.Direction, payload []byte) {}
func (BaseHandler) OnOverflow(direction xshm.Direction, count uint32)  {}
func (BaseHandler) OnSpaceAvailable(direction xshm.Direction)          {}
func (BaseHandler) OnError(err error)                                  {}

// Options tunes worker timing and batching.
type Options struct {
	WaitTimeout    time.Duration
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	MaxSendQueue   int
	RecvBatch      int
}

// DefaultOptions mirrors the teacher implementation's defaults.
func DefaultOptions() Options {
	return Options{
		WaitTimeout:    50 * time.Millisecond,
		ReconnectDelay: 250 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
		MaxSendQueue:   256,
		RecvBatch:      32,
	}
}

// StatsSnapshot is a point-in-time read of a worker's counters.
type StatsSnapshot struct {
	SentMessages     uint64
	SendOverflows    uint64
	ReceivedMessages uint64
	ReceiveOverflows uint64
}

type stats struct {
	sentMessages     atomic.Uint64
	sendOverflows    atomic.Uint64
	receivedMessages atomic.Uint64
	receiveOverflows atomic.Uint64
}

func (s *stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		SentMessages:     s.sentMessages.Load(),
		SendOverflows:    s.sendOverflows.Load(),
		ReceivedMessages: s.receivedMessages.Load(),
		ReceiveOverflows: s.receiveOverflows.Load(),
	}
}

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdShutdown
)

type command struct {
	kind cmdKind
	data []byte
}

// sendQueue is a plain mutex-guarded deque. It does not bound itself:
// drainCommands drops the oldest entry once MaxSendQueue is reached,
// matching the ring's own overwrite-oldest backpressure policy.
type sendQueue struct {
	mu    sync.Mutex
	items [][]byte
}

func (q *sendQueue) push(data []byte) {
	q.mu.Lock()
	q.items = append(q.items, data)
	q.mu.Unlock()
}

func (q *sendQueue) pushFront(data []byte) {
	q.mu.Lock()
	q.items = append([][]byte{data}, q.items...)
	q.mu.Unlock()
}

func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type sendEndpoint interface {
	writeMessage(data []byte) (xshm.WriteOutcome, error)
}

type receiveEndpoint interface {
	readMessage(out *[]byte) (int, error)
}

// Server runs a named Server behind a worker goroutine.
type Server struct {
	cmdCh   chan command
	stats   *stats
	running atomic.Bool
	wg      sync.WaitGroup
}

// StartServer creates a segment and spawns a worker goroutine driving it.
func StartServer(dir, name string, handler Handler, opts Options) (*Server, error) {
	server, err := xshm.StartServer(dir, name)
	if err != nil {
		return nil, err
	}
	if server.IsAnonymous() {
		return nil, errors.New("auto: anonymous mode is not supported by auto.Server")
	}

	a := &Server{cmdCh: make(chan command, 64), stats: &stats{}}
	a.running.Store(true)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		serverWorker(server, handler, opts, a.cmdCh, a.stats, &a.running)
	}()
	return a, nil
}

// Send enqueues a message for the worker to write on its next tick.
func (a *Server) Send(data []byte) error {
	if !a.running.Load() {
		return xshm.ErrNotReady
	}
	msg := append([]byte(nil), data...)
	select {
	case a.cmdCh <- command{kind: cmdSend, data: msg}:
		return nil
	default:
		return xshm.ErrNotReady
	}
}

// Stop signals the worker to shut down and waits for it to exit.
func (a *Server) Stop() {
	a.running.Store(false)
	select {
	case a.cmdCh <- command{kind: cmdShutdown}:
	default:
	}
	a.wg.Wait()
}

// Stats returns a point-in-time snapshot of the worker's counters.
func (a *Server) Stats() StatsSnapshot { return a.stats.snapshot() }

func serverWorker(server *xshm.Server, handler Handler, opts Options, cmdCh chan command, st *stats, running *atomic.Bool) {
	defer server.Close()

	queue := &sendQueue{}
	var buffer []byte
	connected := false

	for running.Load() {
		if !connected {
			timeout := opts.WaitTimeout
			err := server.WaitForClient(&timeout)
			switch {
			case err == nil:
				connected = true
				handler.OnConnect()
			case errors.Is(err, xshm.ErrTimeout):
				drainCommands(queue, cmdCh, opts, running)
				continue
			default:
				handler.OnError(err)
				drainCommands(queue, cmdCh, opts, running)
				continue
			}
		}

		drainCommands(queue, cmdCh, opts, running)
		if !connected {
			continue
		}

		processSendQueue(serverSend{server}, queue, handler, st, xshm.ServerToClient)
		processReceiveQueue(serverReceive{server}, handler, st, &buffer, opts.RecvBatch, xshm.ClientToServer)

		timeout := opts.WaitTimeout
		reason, err := server.WaitWorkerEvents(&timeout)
		if err != nil {
			handler.OnError(err)
			handler.OnDisconnect()
			server.MarkDisconnected()
			connected = false
			continue
		}
		switch reason {
		case xshm.WakeDisconnected:
			handler.OnDisconnect()
			server.MarkDisconnected()
			connected = false
		case xshm.WakeSpaceAvailable:
			handler.OnSpaceAvailable(xshm.ServerToClient)
		}
	}
}

// Client runs a Connect'd Client behind a worker goroutine, reconnecting
// automatically whenever the server disconnects or the handshake fails.
type Client struct {
	cmdCh   chan command
	stats   *stats
	running atomic.Bool
	wg      sync.WaitGroup
}

// ConnectClient spawns a worker goroutine that connects to dir/name and
// keeps reconnecting across disconnects until Stop is called.
func ConnectClient(dir, name string, handler Handler, opts Options) *Client {
	a := &Client{cmdCh: make(chan command, 64), stats: &stats{}}
	a.running.Store(true)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		clientWorker(dir, name, handler, opts, a.cmdCh, a.stats, &a.running)
	}()
	return a
}

// Send enqueues a message for the worker to write on its next tick.
func (a *Client) Send(data []byte) error {
	if !a.running.Load() {
		return xshm.ErrNotReady
	}
	msg := append([]byte(nil), data...)
	select {
	case a.cmdCh <- command{kind: cmdSend, data: msg}:
		return nil
	default:
		return xshm.ErrNotReady
	}
}

// Stop signals the worker to shut down and waits for it to exit.
func (a *Client) Stop() {
	a.running.Store(false)
	select {
	case a.cmdCh <- command{kind: cmdShutdown}:
	default:
	}
	a.wg.Wait()
}

// Stats returns a point-in-time snapshot of the worker's counters.
func (a *Client) Stats() StatsSnapshot { return a.stats.snapshot() }

func clientWorker(dir, name string, handler Handler, opts Options, cmdCh chan command, st *stats, running *atomic.Bool) {
	queue := &sendQueue{}
	var buffer []byte

	for running.Load() {
		connectTimeout := opts.ConnectTimeout
		client, err := xshm.Connect(dir, name, &connectTimeout)
		if err != nil {
			handler.OnError(err)
			if !waitDelay(running, opts.ReconnectDelay) {
				return
			}
			continue
		}

		handler.OnConnect()

		for running.Load() {
			drainCommands(queue, cmdCh, opts, running)
			processSendQueue(clientSend{client}, queue, handler, st, xshm.ClientToServer)
			processReceiveQueue(clientReceive{client}, handler, st, &buffer, opts.RecvBatch, xshm.ServerToClient)

			timeout := opts.WaitTimeout
			reason, err := client.WaitWorkerEvents(&timeout)
			if err != nil {
				handler.OnError(err)
				handler.OnDisconnect()
				client.MarkDisconnected()
				break
			}
			switch reason {
			case xshm.WakeDisconnected:
				handler.OnDisconnect()
				client.MarkDisconnected()
			case xshm.WakeSpaceAvailable:
				handler.OnSpaceAvailable(xshm.ClientToServer)
			}
			if reason == xshm.WakeDisconnected {
				break
			}
		}

		_ = client.Close()
		log.Printf("auto: client %s disconnected, reconnecting in %s", name, opts.ReconnectDelay)
		if !waitDelay(running, opts.ReconnectDelay) {
			return
		}
	}
}

// waitDelay sleeps up to delay, waking early if running is cleared, and
// reports whether the worker should keep going.
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

func drainCommands(queue *sendQueue, cmdCh chan command, opts Options, running *atomic.Bool) {
	for {
		select {
		case cmd := <-cmdCh:
			switch cmd.kind {
			case cmdSend:
				if queue.len() >= opts.MaxSendQueue {
					queue.pop()
				}
				queue.push(cmd.data)
			case cmdShutdown:
				running.Store(false)
			}
		default:
			return
		}
	}
}

func processSendQueue(endpoint sendEndpoint, queue *sendQueue, handler Handler, st *stats, direction xshm.Direction) {
	for {
		msg, ok := queue.pop()
		if !ok {
			return
		}
		outcome, err := endpoint.writeMessage(msg)
		if err != nil {
			handler.OnError(err)
			queue.pushFront(msg)
			return
		}
		st.sentMessages.Add(1)
		if outcome.Overwritten > 0 {
			st.sendOverflows.Add(uint64(outcome.Overwritten))
			handler.OnOverflow(direction, outcome.Overwritten)
		}
	}
}

func processReceiveQueue(endpoint receiveEndpoint, handler Handler, st *stats, buffer *[]byte, batch int, direction xshm.Direction) {
	if batch < 1 {
		batch = 1
	}
	for i := 0; i < batch; i++ {
		n, err := endpoint.readMessage(buffer)
		if err != nil {
			if !errors.Is(err, xshm.ErrQueueEmpty) {
				handler.OnError(err)
			}
			return
		}
		st.receivedMessages.Add(1)
		handler.OnMessage(direction, (*buffer)[:n])
	}
}

type serverSend struct{ s *xshm.Server }

func (e serverSend) writeMessage(data []byte) (xshm.WriteOutcome, error) { return e.s.SendToClient(data) }

type serverReceive struct{ s *xshm.Server }

func (e serverReceive) readMessage(out *[]byte) (int, error) { return e.s.ReceiveFromClient(out) }

type clientSend struct{ c *xshm.Client }

func (e clientSend) writeMessage(data []byte) (xshm.WriteOutcome, error) { return e.c.SendToServer(data) }

type clientReceive struct{ c *xshm.Client }

func (e clientReceive) readMessage(out *[]byte) (int, error) { return e.c.ReceiveFromServer(out) }
