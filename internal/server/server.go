// Package server wires the Lares subsystems together and runs the
// configured transports until shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"evalgo.org/lares/internal/config"
	"evalgo.org/lares/internal/credentials"
	"evalgo.org/lares/internal/discovery"
	"evalgo.org/lares/internal/events"
	"evalgo.org/lares/internal/installer"
	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/logging"
	"evalgo.org/lares/internal/mcp"
	"evalgo.org/lares/internal/procexec"
	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/internal/template"
	"evalgo.org/lares/internal/terraform"
	"evalgo.org/lares/internal/tools"
	"evalgo.org/lares/internal/transport"
	"evalgo.org/lares/internal/version"
)

// Server owns the wired subsystems and their lifecycle.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *inventory.Store
	ssh    *sshexec.Executor
	bus    *events.Bus
	engine *mcp.Engine

	httpServer *transport.HTTPServer
	stdio      *transport.Stdio
	prober     *discovery.Prober
	scanner    *inventory.Scanner

	// shutdownRequested is closed by the shutdown RPC so Run can unwind.
	shutdownRequested chan struct{}
}

// New loads every subsystem from the configuration. Errors here are fatal
// configuration or environment problems; nothing is listening yet.
func New(cfg *config.Config) (*Server, error) {
	logger := logging.New(cfg.Logging)

	creds, err := credentials.Load(cfg.Credentials.Path)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	store, err := inventory.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}

	ssh, err := sshexec.New(cfg.SSH, creds)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init ssh executor: %w", err)
	}

	templates := template.NewEngine(logger)
	if err := os.MkdirAll(cfg.Templates.Path, 0700); err != nil {
		store.Close()
		return nil, fmt.Errorf("create template directory: %w", err)
	}
	loaded, err := templates.LoadDir(cfg.Templates.Path)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load templates: %w", err)
	}
	logger.Info("templates loaded", "count", loaded, "path", cfg.Templates.Path)

	bus := events.NewBus()
	prober := discovery.New(ssh, store, creds, logger)
	runner := procexec.NewRunner(logger)
	tf := terraform.New(runner, logger, terraform.Options{
		Binary:      cfg.Terraform.Binary,
		StateRoot:   cfg.Terraform.StateRoot,
		StepTimeout: cfg.Terraform.StepTimeout,
	})
	inst := installer.New(store, templates, ssh, prober, tf, runner, logger, installer.Options{
		DeploymentRoot:         cfg.Installer.DeploymentRoot,
		StagingRoot:            cfg.Installer.StagingRoot,
		HealthDeadline:         cfg.Installer.HealthDeadline,
		Staleness:              cfg.StalenessThreshold(),
		AnsibleBinary:          cfg.Ansible.Binary,
		AnsiblePlaybookTimeout: cfg.Ansible.PlaybookTimeout,
		AnsibleHostKeyChecking: cfg.Ansible.HostKeyChecking,
	})

	registry := mcp.NewRegistry()
	if err := tools.RegisterAll(registry, tools.Deps{
		Store:     store,
		SSH:       ssh,
		Prober:    prober,
		Installer: inst,
		Terraform: tf,
		Templates: templates,
		Creds:     creds,
		Logger:    logger,
		Staleness: cfg.StalenessThreshold(),
	}); err != nil {
		ssh.Close()
		store.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	s := &Server{
		cfg:               cfg,
		logger:            logger,
		store:             store,
		ssh:               ssh,
		bus:               bus,
		prober:            prober,
		shutdownRequested: make(chan struct{}),
	}

	serverVersion := cfg.Server.Version
	if serverVersion == "" {
		serverVersion = version.Get().Version
	}
	s.engine = mcp.NewEngine(registry, logger, mcp.EngineOptions{
		ServerName:    cfg.Server.Name,
		ServerVersion: serverVersion,
		ToolTimeout:   cfg.Server.ToolTimeout,
		OnShutdown:    s.requestShutdown,
	})

	if cfg.HTTP.Enabled {
		s.httpServer = transport.NewHTTPServer(s.engine, logger, transport.HTTPOptions{
			Host:             cfg.HTTP.Host,
			Port:             cfg.HTTP.Port,
			Stateless:        cfg.HTTP.Stateless,
			WebSocketEnabled: cfg.WebSocket.Enabled,
			WebSocketPath:    cfg.WebSocket.Path,
			RateLimit:        float64(cfg.HTTP.RateLimit),
			ReadTimeout:      cfg.HTTP.ReadTimeout,
			WriteTimeout:     cfg.HTTP.WriteTimeout,
		})
	}
	if cfg.Stdio.Enabled {
		s.stdio = transport.NewStdio(s.engine, logger, os.Stdin, os.Stdout)
	}

	s.scanner = inventory.NewScanner(store, bus,
		cfg.StalenessThreshold(), cfg.Inventory.ScanInterval, logger)

	return s, nil
}

// Logger exposes the configured logger for the CLI layer.
func (s *Server) Logger() *slog.Logger { return s.logger }

func (s *Server) requestShutdown() {
	select {
	case <-s.shutdownRequested:
	default:
		close(s.shutdownRequested)
	}
}

// Run starts the transports and background tasks and blocks until a signal,
// a shutdown RPC, or a transport failure. Shutdown drains in-flight handlers
// up to the configured grace period.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)

	// Background staleness scan plus opportunistic refresh.
	group.Go(func() error {
		s.scanner.Run(groupCtx)
		return nil
	})
	staleCh, unsubscribe := s.bus.Subscribe()
	group.Go(func() error {
		defer unsubscribe()
		s.prober.Watch(groupCtx, staleCh)
		return nil
	})

	if s.httpServer != nil {
		group.Go(func() error {
			s.logger.Info("http transport listening",
				"host", s.cfg.HTTP.Host, "port", s.cfg.HTTP.Port,
				"stateless", s.cfg.HTTP.Stateless)
			return s.httpServer.Start(groupCtx, s.cfg.Server.ShutdownGrace)
		})
	}
	if s.stdio != nil {
		group.Go(func() error {
			s.logger.Info("stdio transport running")
			if err := s.stdio.Run(groupCtx); err != nil {
				return err
			}
			// EOF on stdin means the client is gone.
			cancel()
			return nil
		})
	}

	// A shutdown RPC unwinds the whole server.
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case <-s.shutdownRequested:
			s.logger.Info("shutdown requested over RPC")
			cancel()
		}
		return nil
	})

	err := group.Wait()
	s.closeAll()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Server) closeAll() {
	s.bus.Close()
	s.ssh.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Error("close inventory", "error", err)
	}
	s.logger.Info("server stopped")
}
