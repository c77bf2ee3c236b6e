package bridgecore

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yarovit/bridgekeeper/pkg/config"
	"github.com/yarovit/bridgekeeper/pkg/protocol"
)

// Bridge assembles the registry, router, and the two transport servers into
// the always-on relay process. Producer and approver traffic use separate
// listeners so the two roles can never be cross-wired.
type Bridge struct {
	cfg       *config.Config
	registry  *Registry
	router    *Router
	producers *Server
	approvers *Server
	stopOnce  sync.Once
}

func New(cfg *config.Config, sharedToken string) *Bridge {
	registry := NewRegistry()
	router := NewRouter(sharedToken, registry)

	b := &Bridge{
		cfg:       cfg,
		registry:  registry,
		router:    router,
		producers: NewServer("producer-server", cfg.Bridge.KeepaliveInterval, router.ProducerHandler()),
		approvers: NewServer("approver-server", cfg.Bridge.KeepaliveInterval, router.ApproverHandler()),
	}
	router.Bind(b.producers, b.approvers)
	return b
}

// Registry exposes the connection registry, mainly for status reporting.
func (b *Bridge) Registry() *Registry { return b.registry }

// ProducerAddr returns the bound producer listener address.
func (b *Bridge) ProducerAddr() net.Addr { return b.producers.Addr() }

// ApproverAddr returns the bound approver listener address.
func (b *Bridge) ApproverAddr() net.Addr { return b.approvers.Addr() }

// Start binds both listening sockets. A bind failure is fatal.
func (b *Bridge) Start() error {
	if err := b.producers.Listen(b.cfg.Bridge.ProducerAddr()); err != nil {
		return err
	}
	if err := b.approvers.Listen(b.cfg.Bridge.ApproverAddr()); err != nil {
		b.producers.Close(context.Background())
		return err
	}
	return nil
}

// Run serves both listeners and the keepalive task until ctx is cancelled,
// then shuts down bounded by the configured grace period.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.producers.Serve(gctx) })
	g.Go(func() error { return b.approvers.Serve(gctx) })
	g.Go(func() error {
		b.runKeepalive(gctx)
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()
	b.Shutdown(shutdownCtx)
	return err
}

// Shutdown forcibly closes every open connection and both listeners,
// proceeding unconditionally once ctx expires.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() {
		slog.Info("Shutting down bridge...")
		b.producers.Close(ctx)
		b.approvers.Close(ctx)
		slog.Info("Bridge stopped.")
	})
}

// runKeepalive periodically sends an application-level ping to every
// connection on both listeners. The TCP-level keepalive runs independently
// per connection; a pong reply is accepted but never required.
func (b *Bridge) runKeepalive(ctx context.Context) {
	interval := b.cfg.Bridge.KeepaliveInterval
	if interval <= 0 {
		interval = config.DefaultKeepaliveInterval * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("Keepalive task started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Keepalive task stopped")
			return
		case <-ticker.C:
			ping := protocol.NewPing()
			b.producers.Broadcast(ping)
			b.approvers.Broadcast(ping)
		}
	}
}
