package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/quartzdb/quartz-server/dbmanager"
	"github.com/quartzdb/quartz-server/events"
	"github.com/quartzdb/quartz-server/events/memoryhub"
	"github.com/quartzdb/quartz-server/events/redishub"
	"github.com/quartzdb/quartz-server/internal/logctx"
	"github.com/quartzdb/quartz-server/rpc"
	"github.com/quartzdb/quartz-server/transport/tcp"
	"github.com/quartzdb/quartz-server/transport/ws"
)

const version = "0.1.0"

const usage = `Quartz document database server.

Serves the binary command protocol over TCP, and optionally over WebSocket.
Flags override the corresponding environment variables.

Usage:
    quartz-server [--addr=<addr>] [--ws-addr=<addr>] [--log-level=<level>] [--log-format=<format>]
    quartz-server -h | --help
    quartz-server --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --addr=<addr>          TCP listen address (env QUARTZ_RPC_ADDR) [default from env].
    --ws-addr=<addr>       WebSocket listen address (env QUARTZ_WS_ADDR); empty disables it.
    --log-level=<level>    debug, info, warn, or error (env QUARTZ_LOG_LEVEL).
    --log-format=<format>  json or text (env QUARTZ_LOG_FORMAT).`

// config collects the process-level settings not owned by a subsystem.
type config struct {
	Addr           string `env:"QUARTZ_RPC_ADDR,default=:6534"`
	WSAddr         string `env:"QUARTZ_WS_ADDR"`
	LogLevel       string `env:"QUARTZ_LOG_LEVEL,default=info"`
	LogFormat      string `env:"QUARTZ_LOG_FORMAT,default=json"`
	UpdatesBackend string `env:"QUARTZ_UPDATES_BACKEND,default=memory"`
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var cfg config
	// Every field carries a default, so decode only fails on malformed values.
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	applyFlags(&cfg, opts)

	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server.fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func applyFlags(cfg *config, opts docopt.Opts) {
	if v, _ := opts["--addr"].(string); v != "" {
		cfg.Addr = v
	}
	if v, _ := opts["--ws-addr"].(string); v != "" {
		cfg.WSAddr = v
	}
	if v, _ := opts["--log-level"].(string); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := opts["--log-format"].(string); v != "" {
		cfg.LogFormat = v
	}
}

func newLogger(cfg config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	hopts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		inner = slog.NewTextHandler(os.Stderr, hopts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, hopts)
	}
	return slog.New(logctx.Handler{Handler: inner})
}

func run(cfg config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Every record from this process carries the instance id, so logs from
	// restarted or co-located servers stay distinguishable.
	log = log.With(slog.String("instance_id", uuid.NewString()))
	log.Info("server.start", slog.String("version", version))

	mgr, err := dbmanager.NewFromEnv(dbmanager.WithLogger(log))
	if err != nil {
		return fmt.Errorf("database manager: %w", err)
	}
	if err := mgr.Watch(ctx); err != nil {
		log.Info("dbmanager.watch.disabled", slog.String("reason", err.Error()))
	}

	hub, err := newHub(cfg, log)
	if err != nil {
		return fmt.Errorf("updates hub: %w", err)
	}
	defer hub.Close()

	rpcSrv := rpc.NewServer(mgr, hub, rpc.WithLogger(log))

	tcpSrv := tcp.New(rpcSrv, tcp.WithLogger(log))
	if err := tcpSrv.Start(cfg.Addr); err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}

	var httpSrv *http.Server
	httpErr := make(chan error, 1)
	if cfg.WSAddr != "" {
		httpSrv = &http.Server{
			Addr:    cfg.WSAddr,
			Handler: ws.New(rpcSrv, ws.WithLogger(log)),
		}
		log.Info("ws.listen", slog.String("addr", cfg.WSAddr))
		go func() {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("server.shutdown")
	case err := <-httpErr:
		log.Error("ws.serve.fail", slog.String("err", err.Error()))
	}

	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}
	return tcpSrv.Stop()
}

func newHub(cfg config, log *slog.Logger) (events.Hub, error) {
	if strings.EqualFold(cfg.UpdatesBackend, "redis") {
		return redishub.NewFromEnv()
	}
	return memoryhub.New(memoryhub.WithLogger(log)), nil
}
