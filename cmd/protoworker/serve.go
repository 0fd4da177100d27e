package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/HsiangNianian/protoworker/internal/config"
	"github.com/HsiangNianian/protoworker/internal/store"
	"github.com/HsiangNianian/protoworker/pkg/protoworker"
	"github.com/HsiangNianian/protoworker/pkg/transport/redisbus"
	"github.com/HsiangNianian/protoworker/pkg/transport/ws"
)

const sweepInterval = time.Minute

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run a delegate answering requests with the echo handler",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "protocol",
			Usage: "protocol identifier to serve; repeatable, overrides server.protocols",
		},
		&cli.DurationFlag{
			Name:  "push-interval",
			Usage: "interval between pushes to subscribed workers",
			Value: time.Second,
		},
	},
	Action: serve,
}

func serve(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if !cfg.Server.Enabled {
		return errors.New("server disabled in config")
	}
	protocols := cfg.Server.Protocols
	if p := c.StringSlice("protocol"); len(p) > 0 {
		protocols = p
	}
	if len(protocols) == 0 {
		return errors.New("no protocols to serve")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := openStore(cfg, logger)
	defer st.Close()

	delegate := protoworker.New(protoworker.RoleDelegate,
		protoworker.WithLogger(logger),
		protoworker.WithDedupe(st, time.Duration(cfg.Store.DedupeTTLSeconds)*time.Second),
	)
	defer delegate.Close()
	echo := newEchoHandler(ctx, logger, c.Duration("push-interval"))
	defer echo.stop()
	remove := delegate.AddListener(echo.handle)
	defer remove()

	g, ctx := errgroup.WithContext(ctx)
	if ms, ok := st.(*store.MemoryStore); ok {
		g.Go(func() error {
			ms.SweepEvery(ctx, sweepInterval)
			return nil
		})
	}
	if slices.Contains(cfg.Server.Transport, config.TransportWebsocket) {
		if err := serveWebsocket(ctx, g, cfg, st, delegate, protocols, logger); err != nil {
			return err
		}
	}
	if slices.Contains(cfg.Server.Transport, config.TransportRedis) {
		rs, ok := st.(*store.RedisStore)
		if !ok {
			return errors.New("redis transport needs store.redis_addr")
		}
		listener := redisbus.NewListener(rs.Client(), delegate, logger)
		g.Go(func() error {
			return listener.Listen(ctx, nil, protocols...)
		})
	}
	return g.Wait()
}

func serveWebsocket(ctx context.Context, g *errgroup.Group, cfg config.Config, st store.Store, delegate *protoworker.Runtime, protocols []string, logger *slog.Logger) error {
	routeURL := cfg.Server.RouteURL()
	if err := registerRoutes(ctx, st, protocols, routeURL); err != nil {
		return err
	}
	logger.Info("routes registered", "protocols", protocols, "url", routeURL)
	g.Go(func() error {
		keepRoutes(ctx, st, protocols, routeURL, store.RouteTTL/2, logger)
		return nil
	})

	wsServer := ws.NewServer(delegate, cfg.Server.AuthToken, logger)
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, wsServer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	g.Go(func() error {
		logger.Info("delegate listening", "addr", cfg.Server.ListenAddr, "path", cfg.Server.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("delegate server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = wsServer.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

func registerRoutes(ctx context.Context, st store.Store, protocols []string, url string) error {
	for _, p := range protocols {
		if err := st.SetRoute(ctx, p, url); err != nil {
			return fmt.Errorf("register route %s: %w", p, err)
		}
	}
	return nil
}

// keepRoutes registers the routes again every interval so they do not expire
// while the delegate runs.
func keepRoutes(ctx context.Context, st store.Store, protocols []string, url string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registerRoutes(ctx, st, protocols, url); err != nil && ctx.Err() == nil {
				logger.Warn("route refresh failed", "error", err)
			}
		}
	}
}
