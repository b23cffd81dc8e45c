package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/danielhkuo/facilitator/autosave"
	"github.com/danielhkuo/facilitator/brainstorm"
	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/categorize"
	"github.com/danielhkuo/facilitator/cliparse"
	"github.com/danielhkuo/facilitator/db"
	"github.com/danielhkuo/facilitator/dotvote"
	"github.com/danielhkuo/facilitator/rankorder"
	"github.com/danielhkuo/facilitator/registry"
	"github.com/danielhkuo/facilitator/sessions"
)

func main() {
	// Parse configuration
	cfg, err := cliparse.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("Error parsing flags", "error", err)
		os.Exit(1)
	}

	// Connect to the configured store
	dbConn, err := sql.Open(cfg.DriverName(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	// Verify connection
	if err := dbConn.Ping(); err != nil {
		slog.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	// Create schema (tables)
	if err := db.CreateSchema(dbConn); err != nil {
		slog.Error("schema creation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database schema ready")

	// Register built-in tools, then external plugins. Plugins load
	// last so they can shadow a built-in type.
	reg := registry.New()
	for _, tool := range []registry.Tool{
		brainstorm.NewTool(),
		dotvote.NewTool(),
		rankorder.NewTool(),
		categorize.NewTool(),
	} {
		if err := reg.Register(tool); err != nil {
			slog.Error("tool registration failed", "error", err)
			os.Exit(1)
		}
	}
	if cfg.PluginDir != "" {
		if err := reg.LoadPluginDir(cfg.PluginDir); err != nil {
			slog.Error("plugin load failed", "error", err, "dir", cfg.PluginDir)
			os.Exit(1)
		}
	}
	reg.Finalize()
	slog.Info("Tool registry ready", "tools", len(reg.Manifests()))

	// Broadcast backend is optional; without Redis events are dropped.
	var events broadcast.Sink = broadcast.Nop{}
	if cfg.RedisAddr != "" {
		events = broadcast.New(cfg.RedisAddr)
		slog.Info("Broadcasting session events", "redis", cfg.RedisAddr)
	}

	scheduler := autosave.NewScheduler()
	service := sessions.NewService(dbConn, reg, scheduler, events, cfg.AutosaveDefault, cfg.SessionKeySalt)

	// signal.Notify requires the channel to be buffered
	ctrlc := make(chan os.Signal, 1)
	signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)

	slog.Info("Facilitation engine ready", "port", cfg.Port)
	run(service, ctrlc)

	// Stop every autosave loop before the process exits so no snapshot
	// is cut off mid-write.
	scheduler.StopAll()
	slog.Info("Engine stopped")
}

// run blocks until shutdown is requested. The embedding server mounts
// its transport around the service; standalone, the engine just waits.
func run(_ *sessions.Service, ctrlc <-chan os.Signal) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ctrlc
		cancel()
	}()
	<-ctx.Done()
}
