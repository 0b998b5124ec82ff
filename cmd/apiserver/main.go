package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ulala-x/playhouse-net-sub015/internal/api"
	"github.com/ulala-x/playhouse-net-sub015/internal/communicator"
	"github.com/ulala-x/playhouse-net-sub015/internal/config"
	"github.com/ulala-x/playhouse-net-sub015/internal/discovery"
	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/reqcache"
	"github.com/ulala-x/playhouse-net-sub015/internal/router"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
	"github.com/ulala-x/playhouse-net-sub015/internal/session"
	"github.com/ulala-x/playhouse-net-sub015/internal/storage"
)

const ConfigPath = "config/apiserver.yaml"

// errBind marks listener failures so main can exit with a distinct code.
var errBind = errors.New("bind failed")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal", "err", err)
		if errors.Is(err, errBind) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("PLAYHOUSE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadApiServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("applying env overrides: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Mesh.SlogLevel(),
	})))
	slog.Info("playhouse api server starting",
		"serverId", cfg.Mesh.ServerID,
		"serviceId", cfg.Mesh.ServiceID,
		"endpoint", cfg.Mesh.BindEndpoint)

	self := serverinfo.ServerInfo{
		ServiceType: protocol.ServiceTypeAPI,
		ServiceID:   cfg.Mesh.ServiceID,
		ServerID:    cfg.Mesh.ServerID,
		Endpoint:    cfg.Mesh.BindEndpoint,
		State:       serverinfo.StateRunning,
	}

	socket := router.NewSocket(router.Config{
		BindEndpoint: cfg.Mesh.BindEndpoint,
		SendHWM:      cfg.Mesh.SendHWM,
		RecvHWM:      cfg.Mesh.RecvHWM,
		TCPKeepalive: cfg.Mesh.TCPKeepalive,
	})
	if err := socket.Bind(); err != nil {
		return fmt.Errorf("%w: router on %s: %v", errBind, cfg.Mesh.BindEndpoint, err)
	}
	slog.Info("router socket bound", "addr", socket.Addr())

	center := serverinfo.NewCenter()
	comm := communicator.New(self, socket, center, reqcache.New(), cfg.Mesh.RequestTimeout())

	var (
		pub   discovery.Publisher
		store accountStore
	)
	if cfg.Mesh.Database.Enabled() {
		database, err := storage.New(ctx, cfg.Mesh.Database.DSN())
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer database.Close()

		if err := storage.RunMigrations(ctx, cfg.Mesh.Database.DSN()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("database connected, migrations applied")

		reg := storage.NewServerRegistry(database, cfg.Mesh.DiscoveryTTL())
		defer reg.Remove(context.Background(), self.NID())
		pub = reg
		store = storage.NewAccountStore(database, cfg.AutoCreateAccounts)
	} else {
		slog.Info("no database configured, using in-memory discovery and accounts")
		pub = discovery.NewMemoryPublisher(cfg.Mesh.DiscoveryTTL())
		store = newMemAccounts(cfg.AutoCreateAccounts)
	}

	registry := api.NewRegistry()
	registerHandlers(registry, store, cfg.AuthenticateMessageID)

	svc := api.NewService(comm, registry, cfg.PlayServiceID)
	comm.SetDispatcher(svc)

	gateway := session.NewServer(gatewayConfig(cfg), comm)
	comm.SetSystemDispatcher(gateway)

	ctrl := discovery.NewController(self, pub, center, comm,
		cfg.Mesh.DiscoveryInterval(), cfg.Mesh.DiscoveryTTL())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return socket.Run(gctx) })
	g.Go(func() error { return comm.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		if err := gateway.Run(gctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("%w: gateway: %v", errBind, err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// gatewayConfig translates the YAML gateway section into listener addresses.
// A zero port disables that listener.
func gatewayConfig(cfg config.ApiServer) session.Config {
	addr := func(port int) string {
		if port <= 0 {
			return ""
		}
		return fmt.Sprintf("%s:%d", cfg.Gateway.BindAddress, port)
	}
	return session.Config{
		TCPAddr:            addr(cfg.Gateway.TCPPort),
		TLSAddr:            addr(cfg.Gateway.TLSPort),
		WSAddr:             addr(cfg.Gateway.WSPort),
		WSSAddr:            addr(cfg.Gateway.WSSPort),
		CertFile:           cfg.Gateway.CertFile,
		KeyFile:            cfg.Gateway.KeyFile,
		HeartbeatInterval:  cfg.Gateway.HeartbeatInterval(),
		HeartbeatTTLFactor: cfg.Gateway.SessionHeartbeatTTLFactor,
		SendQueueSize:      cfg.Gateway.SendQueueSize,
		WriteTimeout:       cfg.Gateway.WriteTimeout(),
		RequestTimeout:     cfg.Mesh.RequestTimeout(),
		APIServiceID:       cfg.Mesh.ServiceID,
	}
}
