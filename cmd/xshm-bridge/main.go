// Command xshm-bridge is a DispatchClient that mirrors every inbound
// message onto a local WebSocket for a browser-based monitor — an ambient
// observability surface, not a core transport feature. Ported from the
// teacher's websocket usage in exchanges/*.go (there: streaming normalized
// ticks in from an exchange; here: streaming ring traffic out to a browser).
package main

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"xshm/config"
	"xshm/dispatch"
	"xshm/xshm"
)

// mirroredMessage is the JSON envelope relayed to every connected browser.
type mirroredMessage struct {
	ClientID  uint32 `json:"client_id"`
	AtUnixMs  int64  `json:"at_unix_ms"`
	DataB64   string `json:"data_b64"`
	ByteCount int    `json:"byte_count"`
}

// monitorHub fans mirrored messages out to every currently connected
// browser WebSocket.
type monitorHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newMonitorHub() *monitorHub {
	return &monitorHub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *monitorHub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *monitorHub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *monitorHub) broadcast(msg mirroredMessage) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := wsjson.Write(ctx, c, msg); err != nil {
			log.Printf("bridge: dropping monitor connection: %v", err)
			h.remove(c)
		}
		cancel()
	}
}

type bridgeHandler struct {
	hub *monitorHub
}

func (b bridgeHandler) OnConnect(clientID uint32, channelName string) {
	log.Printf("🔌 bridge registered as client %d on %q", clientID, channelName)
}
func (b bridgeHandler) OnDisconnect() { log.Println("🔌 bridge disconnected from dispatch server") }
func (b bridgeHandler) OnMessage(data []byte) {
	b.hub.broadcast(mirroredMessage{
		AtUnixMs:  time.Now().UnixMilli(),
		DataB64:   base64.StdEncoding.EncodeToString(data),
		ByteCount: len(data),
	})
}
func (b bridgeHandler) OnError(err error) { log.Printf("bridge: %v", err) }

func main() {
	log.Println("📡 xshm-bridge starting...")

	cfgPath := "config.toml"
	if p := os.Getenv("XSHM_BRIDGE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadWithDotenv("", cfgPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", cfgPath, err)
	}

	dir := cfg.Transport.BaseDir
	if dir == "" {
		dir = xshm.DefaultBaseDir
	}
	name := cfg.Transport.Name
	if name == "" {
		name = "xshm-default"
	}
	listenAddr := cfg.Transport.BridgeListenAddr
	if listenAddr == "" {
		listenAddr = ":8089"
	}

	hub := newMonitorHub()

	registration := dispatch.ClientRegistration{PID: uint32(os.Getpid()), Name: "xshm-bridge"}
	opts := dispatch.DefaultClientOptions()
	opts.PollTimeout = cfg.Transport.WaitTimeout()

	client, err := dispatch.Connect(dir, name, registration, bridgeHandler{hub: hub}, opts)
	if err != nil {
		log.Fatalf("connecting to dispatch server %q: %v", name, err)
	}
	defer client.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Printf("bridge: websocket accept: %v", err)
			return
		}
		hub.add(conn)
		log.Println("🔌 monitor connected")
		defer func() {
			hub.remove(conn)
			conn.Close(websocket.StatusNormalClosure, "bye")
		}()

		// Block reading the (unused) client->server direction so we notice
		// disconnects; the monitor is mirror-only.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})

	server := &http.Server{Addr: listenAddr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("📡 monitor endpoint ws://%s/ws mirroring dispatch server %q", listenAddr, name)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("bridge: %v", err)
	}

	log.Println("👋 xshm-bridge stopped.")
}
