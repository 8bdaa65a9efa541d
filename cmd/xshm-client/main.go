// Command xshm-client connects to an xshm-server endpoint (single,
// slot-multiplexed, or dispatch-multiplexed, selected by config) and sends a
// periodic heartbeat until interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xshm/auto"
	"xshm/config"
	"xshm/dispatch"
	"xshm/multi"
	"xshm/xshm"
)

func main() {
	log.Println("📡 xshm-client starting...")

	cfgPath := "config.toml"
	if p := os.Getenv("XSHM_CLIENT_CONFIG"); p != "" {
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
	mode := cfg.Transport.Mode
	if mode == "" {
		mode = config.ModeSingle
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch mode {
	case config.ModeSlot:
		runSlotClient(ctx, dir, name, cfg)
	case config.ModeDispatch:
		runDispatchClient(ctx, dir, name, cfg)
	default:
		runSingleClient(ctx, dir, name, cfg)
	}

	log.Println("👋 xshm-client stopped.")
}

type echoHandler struct{ auto.BaseHandler }

func (echoHandler) OnConnect()    { log.Println("🔌 connected") }
func (echoHandler) OnDisconnect() { log.Println("🔌 disconnected") }
func (echoHandler) OnMessage(direction xshm.Direction, payload []byte) {
	log.Printf("← %s: %d bytes", direction, len(payload))
}
func (echoHandler) OnError(err error) { log.Printf("error: %v", err) }

func runSingleClient(ctx context.Context, dir, name string, cfg *config.Config) {
	opts := auto.DefaultOptions()
	opts.WaitTimeout = cfg.Transport.WaitTimeout()
	opts.ReconnectDelay = cfg.Transport.ReconnectDelay()
	opts.ConnectTimeout = cfg.Transport.ConnectTimeout()
	if cfg.Transport.RecvBatch > 0 {
		opts.RecvBatch = cfg.Transport.RecvBatch
	}

	client := auto.ConnectClient(dir, name, echoHandler{}, opts)
	defer client.Stop()

	heartbeat(ctx, func(msg []byte) error { return client.Send(msg) })
}

type slotEchoHandler struct{}

func (slotEchoHandler) OnConnect(slotID uint32) { log.Printf("🔌 connected as slot %d", slotID) }
func (slotEchoHandler) OnDisconnect()           { log.Println("🔌 disconnected") }
func (slotEchoHandler) OnMessage(data []byte)   { log.Printf("← %d bytes", len(data)) }
func (slotEchoHandler) OnError(err error)       { log.Printf("error: %v", err) }

func runSlotClient(ctx context.Context, dir, name string, cfg *config.Config) {
	opts := multi.DefaultClientOptions()
	opts.PollTimeout = cfg.Transport.WaitTimeout()
	if cfg.Transport.RecvBatch > 0 {
		opts.RecvBatch = cfg.Transport.RecvBatch
	}

	client, err := multi.Connect(dir, name, opts)
	if err != nil {
		log.Fatalf("connecting: %v", err)
	}
	defer client.Close()
	log.Printf("🔌 connected as slot %d", client.SlotID())

	heartbeat(ctx, client.Send)
}

type dispatchEchoHandler struct{}

func (dispatchEchoHandler) OnConnect(clientID uint32, channelName string) {
	log.Printf("🔌 registered as client %d on %q", clientID, channelName)
}
func (dispatchEchoHandler) OnDisconnect()         { log.Println("🔌 disconnected") }
func (dispatchEchoHandler) OnMessage(data []byte) { log.Printf("← %d bytes", len(data)) }
func (dispatchEchoHandler) OnError(err error)     { log.Printf("error: %v", err) }

func runDispatchClient(ctx context.Context, dir, name string, cfg *config.Config) {
	registration := dispatch.ClientRegistration{
		PID:  uint32(os.Getpid()),
		Name: "xshm-client",
	}
	opts := dispatch.DefaultClientOptions()
	opts.PollTimeout = cfg.Transport.WaitTimeout()
	if cfg.Transport.RecvBatch > 0 {
		opts.RecvBatch = cfg.Transport.RecvBatch
	}

	client, err := dispatch.Connect(dir, name, registration, dispatchEchoHandler{}, opts)
	if err != nil {
		log.Fatalf("connecting: %v", err)
	}
	defer client.Close()

	heartbeat(ctx, client.Send)
}

// heartbeat sends a timestamped ping every second until ctx is cancelled.
func heartbeat(ctx context.Context, send func([]byte) error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			msg := []byte(fmt.Sprintf("ping %d", t.UnixNano()))
			if err := send(msg); err != nil {
				log.Printf("send: %v", err)
			}
		}
	}
}
