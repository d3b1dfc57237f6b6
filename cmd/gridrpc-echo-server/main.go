// Command gridrpc-echo-server runs a gridrpc server that echoes whatever
// payload it receives on call id 1 and fans out a heartbeat broadcast on
// call id 2 every few seconds. It doubles as an install target for a
// background OS service via kardianos/service, mirroring the way the
// teacher's host agent wraps its own long-running loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kardianos/service"

	"github.com/gridrpc/gridrpc/config"
	"github.com/gridrpc/gridrpc/server"
)

const (
	serviceName        = "GridRPCEchoServer"
	serviceDisplayName = "GridRPC Echo Server"
	serviceDescription = "Example gridrpc server: echoes call id 1, broadcasts a heartbeat on call id 2"
)

type program struct {
	cfgPath        string
	sessionCfgPath string
	cancel         context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		if err := run(ctx, p.cfgPath, p.sessionCfgPath); err != nil {
			slog.Error("echo server exited with error", "error", err)
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func main() {
	var (
		cfgPath        = flag.String("config", "", "path to YAML config file")
		sessionCfgPath = flag.String("session-config", "", "path to a YAML file holding hot-reloadable per-session defaults")
		doInstall      = flag.Bool("install", false, "install as an OS service")
		doUninstall    = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun          = flag.Bool("run", false, "run in the foreground instead of as a service")
	)
	flag.Parse()
	initLogger()

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
	}
	prog := &program{cfgPath: *cfgPath, sessionCfgPath: *sessionCfgPath}
	svc, err := service.New(prog, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service installed:", serviceName)
	case *doUninstall:
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled:", serviceName)
	case *doRun, service.Interactive():
		if err := run(context.Background(), *cfgPath, *sessionCfgPath); err != nil {
			slog.Error("echo server exited with error", "error", err)
			os.Exit(1)
		}
	default:
		if err := svc.Run(); err != nil {
			slog.Error("service run failed", "error", err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, cfgPath, sessionCfgPath string) error {
	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("loading server config: %w", err)
	}

	srv := server.New(cfg, config.DefaultServerTimeout(), config.DefaultSessionConfig(), nil)

	if sessionCfgPath != "" {
		if err := srv.WatchSessionConfig(sessionCfgPath); err != nil {
			return fmt.Errorf("watching session config: %w", err)
		}
	}

	if err := srv.Bind(1, func(c *server.SessionContext) {
		c.Response = c.Data
	}); err != nil {
		return fmt.Errorf("binding echo handler: %w", err)
	}
	if err := srv.BindDisconnect(func(id server.SessionID) {
		slog.Info("session disconnected", "session_id", id)
	}); err != nil {
		return fmt.Errorf("binding disconnect hook: %w", err)
	}

	var admin *server.AdminServer
	if cfg.AdminAddr != "" {
		admin = server.NewAdminServer(cfg.AdminAddr, srv)
		go func() {
			if err := admin.Serve(); err != nil {
				slog.Error("admin server exited", "error", err)
			}
		}()
	}

	go heartbeatLoop(ctx, srv)

	stopped := make(chan struct{})
	if err := srv.AsyncStart(func() { close(stopped) }); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	slog.Info("echo server listening", "host", cfg.HostAddress, "port", cfg.Port)

	select {
	case <-ctx.Done():
		srv.Stop()
		if admin != nil {
			_ = admin.Close()
		}
	case <-stopped:
	}
	return nil
}

// heartbeatLoop broadcasts call id 2 with the current Unix timestamp every
// five seconds, demonstrating the server-initiated broadcast path with no
// particular recipient targeted.
func heartbeatLoop(ctx context.Context, srv *server.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			payload := []byte(t.UTC().Format(time.RFC3339))
			if err := srv.Broadcast(2, payload, nil); err != nil {
				slog.Warn("heartbeat broadcast dropped", "error", err)
			}
		}
	}
}

func initLogger() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
}
