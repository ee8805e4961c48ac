// Package app composes the gateway process: durable store, shared broker,
// revocation guard, registry, cluster relay, websocket gateway and the
// HTTP and gRPC listeners.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tavern.org/internal/auth"
	"tavern.org/internal/broker"
	"tavern.org/internal/cluster"
	"tavern.org/internal/config"
	"tavern.org/internal/gateway"
	"tavern.org/internal/httpapi"
	"tavern.org/internal/ids"
	"tavern.org/internal/obs"
	"tavern.org/internal/ratelimit"
	"tavern.org/internal/registry"
	"tavern.org/internal/store/sqlstore"
)

// App owns every long-lived component of one gateway instance.
type App struct {
	cfg     config.Config
	version string

	store    *sqlstore.Store
	broker   broker.Broker
	guard    *auth.Guard
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	relay    *cluster.Broadcaster
	gateway  *gateway.Gateway
	health   *httpapi.GRPCServer

	httpSrv  *http.Server
	httpLn   net.Listener
	grpcSrv  *grpc.Server
	grpcLn   net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
	failed   chan struct{}
	failOnce sync.Once
	stopOnce sync.Once
}

// New opens the stores and wires the components. Nothing listens until Start.
func New(ctx context.Context, cfg config.Config, version string) (*App, error) {
	obs.Init()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = ids.Instance()
	}
	obs.InitBuildInfo(version, instanceID)

	st, err := sqlstore.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	a := &App{cfg: cfg, version: version, store: st, failed: make(chan struct{})}

	verifier, err := auth.NewVerifier(cfg.AuthSecret, auth.WithIssuer(cfg.Issuer))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var rooms gateway.RoomDirectory = st
	guardOpts := []auth.GuardOption{auth.WithBrokerTimeout(cfg.BrokerTimeout)}
	if cfg.RedisURL != "" {
		rb, err := broker.DialRedis(cfg.RedisURL, cfg.BrokerTimeout)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.broker = rb
		guardOpts = append(guardOpts, auth.WithSharedCache(rb))
		rooms = gateway.NewCachedDirectory(st, rb, cfg.RoomCacheTTL, cfg.BrokerTimeout)
	}

	a.guard = auth.NewGuard(verifier, st, guardOpts...)
	a.limiter = ratelimit.New(cfg.LimiterOptions()...)
	a.registry = registry.New(registry.WithWriteTimeout(cfg.WriteTimeout))
	a.relay = cluster.New(instanceID, a.registry, a.broker,
		cluster.WithQueueSize(cfg.OutboundQueue),
		cluster.WithBrokerTimeout(cfg.BrokerTimeout),
	)
	a.gateway = gateway.New(a.guard, rooms, a.limiter, a.registry, a.relay, gateway.Config{
		AuthTimeout:   cfg.AuthTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		PongWait:      cfg.PongWait,
		MaxFrameBytes: cfg.MaxFrameBytes,
	})

	probe := httpapi.ReadyProbe{Store: st}
	api := httpapi.New(probe, version, httpapi.Deps{
		Guard:    a.guard,
		Counts:   a.registry,
		Stats:    a.relay,
		Sessions: a.gateway,
		Notifier: a.relay,
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.GRPCAddr != "" {
		a.health = httpapi.NewGRPCServer(probe)
		a.grpcSrv = grpc.NewServer()
		a.health.Register(a.grpcSrv)
	}
	return a, nil
}

// InstanceID identifies this process on the shared broker.
func (a *App) InstanceID() string { return a.relay.InstanceID() }

// HTTPAddr is the bound HTTP address once Start has returned.
func (a *App) HTTPAddr() string {
	if a.httpLn == nil {
		return a.cfg.HTTPAddr
	}
	return a.httpLn.Addr().String()
}

// GRPCAddr is the bound gRPC address once Start has returned, or "".
func (a *App) GRPCAddr() string {
	if a.grpcLn == nil {
		return ""
	}
	return a.grpcLn.Addr().String()
}

// Failed is closed when a background worker returns an error. Stop does not
// close it.
func (a *App) Failed() <-chan struct{} { return a.failed }

// spawn runs fn in g and records the first worker failure.
func (a *App) spawn(g *errgroup.Group, fn func() error) {
	g.Go(func() error {
		err := fn()
		if err != nil {
			obs.Error("gateway_worker_failed", map[string]any{"error": err})
			a.failOnce.Do(func() { close(a.failed) })
		}
		return err
	})
}

// Start binds the listeners and launches the background workers.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	a.httpLn = ln
	if a.grpcSrv != nil {
		gln, err := net.Listen("tcp", a.cfg.GRPCAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen grpc: %w", err)
		}
		a.grpcLn = gln
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	a.group = g

	a.spawn(g, func() error { return a.relay.Run(gctx) })
	a.spawn(g, func() error {
		a.limiter.Run(gctx, a.cfg.SweepInterval)
		return nil
	})
	a.spawn(g, func() error {
		a.guard.Run(gctx, a.cfg.SweepInterval)
		return nil
	})
	a.spawn(g, func() error {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if a.grpcSrv != nil {
		a.spawn(g, func() error {
			a.health.Run(gctx, 10*time.Second)
			return nil
		})
		a.spawn(g, func() error {
			if err := a.grpcSrv.Serve(a.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve grpc: %w", err)
			}
			return nil
		})
	}

	obs.Info("gateway_started", map[string]any{
		"version":     a.version,
		"instance_id": a.relay.InstanceID(),
		"mode":        a.relay.Mode().String(),
		"http_addr":   a.HTTPAddr(),
		"grpc_addr":   a.GRPCAddr(),
	})
	return nil
}

// Stop drains sessions with 1001, stops the listeners and workers and closes
// the stores. It is safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.gateway.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain sessions: %w", err))
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
		if a.grpcSrv != nil {
			a.grpcSrv.GracefulStop()
		}
		if a.cancel != nil {
			a.cancel()
		}
		if a.group != nil {
			if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		if a.broker != nil {
			if err := a.broker.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close broker: %w", err))
			}
		}
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		obs.Info("gateway_stopped", map[string]any{"instance_id": a.relay.InstanceID()})
	})
	return errors.Join(errs...)
}

// Run starts the app and blocks until ctx ends or a worker fails, then stops
// it within the configured shutdown grace.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-a.failed:
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace)
	defer cancel()
	return a.Stop(stopCtx)
}
