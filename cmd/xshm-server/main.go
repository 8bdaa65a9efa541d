// Command xshm-server hosts a ring-pair transport endpoint: single,
// slot-multiplexed, or dispatch-multiplexed, selected by config. Ported from
// the teacher's main.go shape (config.Load, signal.NotifyContext,
// goroutine-per-worker fan-out).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"xshm/auto"
	"xshm/config"
	"xshm/dispatch"
	"xshm/multi"
	"xshm/xshm"
)

func main() {
	log.Println("📡 xshm-server starting...")

	cfgPath := "config.toml"
	if p := os.Getenv("XSHM_SERVER_CONFIG"); p != "" {
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

	group, ctx := errgroup.WithContext(ctx)

	switch mode {
	case config.ModeSlot:
		runSlotServer(ctx, group, dir, name, cfg)
	case config.ModeDispatch:
		runDispatchServer(ctx, group, dir, name, cfg)
	default:
		runSingleServer(ctx, group, dir, name, cfg)
	}

	if err := group.Wait(); err != nil {
		log.Printf("xshm-server: %v", err)
	}
	log.Println("👋 xshm-server stopped.")
}

type logHandler struct{ auto.BaseHandler }

func (logHandler) OnConnect()    { log.Println("🔌 client connected") }
func (logHandler) OnDisconnect() { log.Println("🔌 client disconnected") }
func (logHandler) OnMessage(direction xshm.Direction, payload []byte) {
	log.Printf("← %s: %d bytes", direction, len(payload))
}
func (logHandler) OnError(err error) { log.Printf("error: %v", err) }

func runSingleServer(ctx context.Context, group *errgroup.Group, dir, name string, cfg *config.Config) {
	opts := auto.DefaultOptions()
	opts.WaitTimeout = cfg.Transport.WaitTimeout()
	opts.ReconnectDelay = cfg.Transport.ReconnectDelay()
	opts.ConnectTimeout = cfg.Transport.ConnectTimeout()
	if cfg.Transport.RecvBatch > 0 {
		opts.RecvBatch = cfg.Transport.RecvBatch
	}

	server, err := auto.StartServer(dir, name, logHandler{}, opts)
	if err != nil {
		log.Fatalf("starting server: %v", err)
	}
	log.Printf("📡 single channel %q ready under %s", name, dir)

	group.Go(func() error {
		<-ctx.Done()
		server.Stop()
		return nil
	})
}

type slotLogHandler struct{}

func (slotLogHandler) OnClientConnect(clientID uint32)    { log.Printf("🔌 slot %d connected", clientID) }
func (slotLogHandler) OnClientDisconnect(clientID uint32) { log.Printf("🔌 slot %d disconnected", clientID) }
func (slotLogHandler) OnMessage(clientID uint32, data []byte) {
	log.Printf("← slot %d: %d bytes", clientID, len(data))
}
func (slotLogHandler) OnError(clientID *uint32, err error) { log.Printf("error: %v", err) }

func runSlotServer(ctx context.Context, group *errgroup.Group, dir, name string, cfg *config.Config) {
	opts := multi.DefaultOptions()
	opts.PollTimeout = cfg.Transport.WaitTimeout()
	if cfg.Transport.MaxClients > 0 {
		opts.MaxClients = cfg.Transport.MaxClients
	}
	if cfg.Transport.RecvBatch > 0 {
		opts.RecvBatch = cfg.Transport.RecvBatch
	}

	server, err := multi.Start(dir, name, slotLogHandler{}, opts)
	if err != nil {
		log.Fatalf("starting slot server: %v", err)
	}
	log.Printf("📡 slot lobby %q ready (max %d clients) under %s", name, opts.MaxClients, dir)

	group.Go(func() error {
		<-ctx.Done()
		server.Stop()
		return nil
	})
}

type dispatchLogHandler struct{}

func (dispatchLogHandler) OnClientConnect(clientID uint32, info dispatch.ClientRegistration) {
	log.Printf("🔌 client %d connected (pid=%d name=%q)", clientID, info.PID, info.Name)
}
func (dispatchLogHandler) OnClientDisconnect(clientID uint32) {
	log.Printf("🔌 client %d disconnected", clientID)
}
func (dispatchLogHandler) OnMessage(clientID uint32, data []byte) {
	log.Printf("← client %d: %d bytes", clientID, len(data))
}
func (dispatchLogHandler) OnError(clientID *uint32, err error) { log.Printf("error: %v", err) }

func runDispatchServer(ctx context.Context, group *errgroup.Group, dir, name string, cfg *config.Config) {
	opts := dispatch.DefaultOptions()
	opts.PollTimeout = cfg.Transport.WaitTimeout()
	if cfg.Transport.RecvBatch > 0 {
		opts.RecvBatch = cfg.Transport.RecvBatch
	}

	server, err := dispatch.Start(dir, name, dispatchLogHandler{}, opts)
	if err != nil {
		log.Fatalf("starting dispatch server: %v", err)
	}
	log.Printf("📡 dispatch lobby %q ready under %s", name, dir)

	group.Go(func() error {
		<-ctx.Done()
		server.Stop()
		return nil
	})
}
