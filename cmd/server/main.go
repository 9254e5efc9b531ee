package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcast/discovery"
	"github.com/ryandielhenn/zephyrcast/internal/config"
	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/broadcast"
	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/node"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := newLogger(cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newTransport(cfg config.Config, self envelope.NodeID, log *zap.Logger) transport.Transport {
	if cfg.Transport == "websocket" {
		return transport.NewWebSocket(transport.WebSocketConfig{
			Self:       self,
			ListenAddr: cfg.ListenAddr,
		}, transport.WithLogger(log))
	}
	return transport.NewTCP(transport.TCPConfig{
		Self:       self,
		ListenAddr: cfg.ListenAddr,
		Split:      envelope.ProtoCodec{}.Split,
	}, transport.WithLogger(log))
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.SetBuildInfo(version, gitSHA)

	// 1. Identity and transport
	if cfg.SelfID == "" {
		cfg.SelfID = uuid.NewString()
	}
	self := envelope.NodeID(cfg.SelfID)
	log = log.With(zap.String("node", cfg.SelfID))
	tr := newTransport(cfg, self, log)

	// 2. Broadcast engine
	eng, err := broadcast.New(cfg.Broadcast(), tr,
		broadcast.WithLogger(log),
		broadcast.WithRegisterer(telemetry.Registry),
		broadcast.WithFaultHandler(func(err error) {
			log.Debug("broadcast fault", zap.Error(err))
		}),
	)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			log.Warn("engine stop", zap.Error(err))
		}
	}()
	log.Info("broadcast engine up", zap.String("transport", cfg.Transport), zap.String("advertise", cfg.Advertised()))

	g, gctx := errgroup.WithContext(ctx)

	// 3. Cluster discovery
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.EtcdEndpoints, log.Named("etcd"))
		if err != nil {
			return err
		}
		defer cli.Close()

		reg, err := discovery.Register(ctx, cli, self, cfg.Advertised(), cfg.DiscoveryTTL, log)
		if err != nil {
			return err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := reg.Close(rctx); err != nil {
				log.Warn("deregister", zap.Error(err))
			}
		}()

		g.Go(func() error {
			// Follow rides out etcd outages and only returns once gctx ends.
			if err := discovery.Follow(gctx, cli, self, eng, log.Named("discovery")); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("discovery stopped", zap.Error(err))
			}
			return nil
		})
	} else {
		log.Warn("no ETCD_ENDPOINTS set, running without discovery")
	}

	// 4. HTTP surface
	mux := http.NewServeMux()
	node.NewNode(eng, cfg.Advertised(), log).Routes(mux)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
