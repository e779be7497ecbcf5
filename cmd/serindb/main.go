// Command serindb runs and administers a serindb storage engine process.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"

	"github.com/SeleniaProject/serindb/internal/config"
	"github.com/SeleniaProject/serindb/internal/engine"
	"github.com/SeleniaProject/serindb/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "health-check":
		err = runHealthCheck(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "serindb:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: serindb <server|health-check> [flags]")
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	dataDir := fs.String("data", "./serindb-data", "data directory")
	configPath := fs.String("config", "", "optional YAML config file (overrides -data and other defaults)")
	adminAddr := fs.String("admin", ":7071", "admin HTTP listen address")
	replAddr := fs.String("replication", ":7070", "replication WebSocket listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default(*dataDir)
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	// Listen-address flags override the config file only when given
	// explicitly; otherwise the file's (or Default's) addresses are kept.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "admin":
			cfg.Admin.ListenAddr = *adminAddr
		case "replication":
			cfg.Replication.ListenAddr = *replAddr
		}
	})

	e, err := engine.Open(cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer e.Close()
	e.Start()

	logger := logging.NewFromConfig(cfg)

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/replicate", e.Feed.ServeFollower)
		level.Info(logger).Log("msg", "replication feed listening", "addr", cfg.Replication.ListenAddr)
		if err := http.ListenAndServe(cfg.Replication.ListenAddr, mux); err != nil {
			level.Error(logger).Log("msg", "replication feed stopped", "err", err)
		}
	}()

	srv := echo.New()
	srv.HideBanner = true
	srv.GET("/healthz", func(c echo.Context) error {
		if err := e.HealthCheck(); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.String(http.StatusOK, "ok")
	})
	srv.GET("/readyz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	level.Info(logger).Log("msg", "admin surface listening", "addr", cfg.Admin.ListenAddr)
	return srv.Start(cfg.Admin.ListenAddr)
}

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health-check", flag.ExitOnError)
	dataDir := fs.String("data", "./serindb-data", "data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default(*dataDir)
	e, err := engine.Open(cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer e.Close()

	if err := e.HealthCheck(); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("ok")
	return nil
}
