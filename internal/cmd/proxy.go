package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Alia5/usbipd/internal/log"
	"github.com/Alia5/usbipd/internal/server/proxy"
)

type Proxy struct {
	ListenAddr        string        `help:"Proxy listen address" default:":3241" env:"USBIPD_PROXY_ADDR"`
	UpstreamAddr      string        `help:"Upstream USB-IP server address" required:"" env:"USBIPD_PROXY_UPSTREAM"`
	ConnectionTimeout time.Duration `help:"Upstream dial and first-packet timeout" default:"30s" env:"USBIPD_PROXY_TIMEOUT"`
}

// Run is called by Kong when the proxy command is executed.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.serve(ctx, logger, rawLogger)
}

// serve runs the proxy until ctx is cancelled or the listener fails.
func (p *Proxy) serve(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	if p.UpstreamAddr == "" {
		return errors.New("upstream address is empty")
	}

	logger.Info("Starting usbipd USB-IP proxy", "listen", p.ListenAddr, "upstream", p.UpstreamAddr)
	srv := proxy.New(p.ListenAddr, p.UpstreamAddr, p.ConnectionTimeout, logger, rawLogger)

	g, gctx := errgroup.WithContext(ctx)
	served := make(chan struct{})
	g.Go(func() error {
		defer close(served)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("Shutting down proxy server")
		case <-served:
		}
		return srv.Close()
	})
	return g.Wait()
}
