package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dalnet/rbounce/internal/bouncer"
	"github.com/dalnet/rbounce/internal/config"
	"github.com/dalnet/rbounce/internal/metrics"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

const daemonEnv = "RBOUNCE_DAEMON"

func main() {
	foreground := flag.BoolP("foreground", "x", false, "Run in foreground (don't daemonize)")
	configPath := flag.StringP("config", "c", "./config.yaml", "Path to configuration file (.yaml or .toml)")
	envFile := flag.String("env-file", "", "Load environment variables from this file before reading the config")
	showVersion := flag.BoolP("version", "v", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rbounce version %s\n", version)
		fmt.Printf("Built: %s\n", buildDate)
		fmt.Printf("Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	bouncer.Version = version
	bouncer.BuildDate = buildDate
	bouncer.GitCommit = gitCommit

	if !*foreground && os.Getenv(daemonEnv) != "1" {
		daemonize()
		return
	}

	if err := writePIDFile(); err != nil {
		log.Printf("Warning: could not write PID file: %v", err)
	}

	if err := run(*configPath, *envFile); err != nil {
		log.Fatalf("rbounce: %v", err)
	}
}

// daemonize re-executes the binary detached from the terminal. The child
// is told it is the daemon through the environment and runs in the
// foreground from there.
func daemonize() {
	args := append([]string{}, os.Args[1:]...)
	args = append(args, "-x")
	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to fork: %v", err)
	}
	fmt.Printf("Now becoming a daemon\nMy pid is %d, this will be written to pid.txt\n", cmd.Process.Pid)
	os.Exit(0)
}

func writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(configPath, envFile string) error {
	// A missing .env is fine; an explicitly named one must load.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}

	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	m := metrics.New()
	b, err := bouncer.New(cfg, logger, m)
	if err != nil {
		return fmt.Errorf("failed to create bouncer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(ctx)
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsListen)
			return m.Serve(ctx, cfg.MetricsListen)
		})
	}

	logger.Info("rbounce started", "version", version, "listen", cfg.Listen, "users", len(cfg.Users))
	err = g.Wait()
	logger.Info("rbounce stopped")
	return err
}
