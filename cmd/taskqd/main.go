package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/taskqd/pkg/config"
	"github.com/cuemby/taskqd/pkg/dispatcher"
	"github.com/cuemby/taskqd/pkg/log"
	"github.com/cuemby/taskqd/pkg/metrics"
	"github.com/cuemby/taskqd/pkg/process"
	"github.com/cuemby/taskqd/pkg/scheduler"
	"github.com/cuemby/taskqd/pkg/state"
	"github.com/cuemby/taskqd/pkg/transport"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	pidFileName     = "pueue.pid"
	metricsAddr     = "127.0.0.1:9090"
	snapshotCadence = 30 * time.Second
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskqd",
	Short: "taskqd - single-host task queue daemon",
	Long: `taskqd runs an exclusive, ordered queue of shell commands on a single
host: add tasks, group them, cap their parallelism, and watch them run to
completion, all through one always-on daemon process.`,
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"taskqd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the config file (overrides TASKQD_CONFIG and the default location)")
	rootCmd.PersistentFlags().String("profile", "", "Named profile; selects <config-dir>/<profile>.yml instead of the default config file")
	rootCmd.Flags().BoolP("daemonize", "d", false, "Fork into the background once the config file has been read")
	rootCmd.Flags().CountP("verbose", "v", "Increase log verbosity (-v, -vv); overrides the config file's log level")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	verbosity, _ := rootCmd.Flags().GetCount("verbose")
	level := log.InfoLevel
	if verbosity >= 1 {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: false})
}

func resolveConfigPath(cmd *cobra.Command) string {
	flagValue, _ := cmd.Flags().GetString("config")
	profile, _ := cmd.Flags().GetString("profile")
	if flagValue == "" && profile != "" {
		dir := filepath.Dir(config.ResolvePath(""))
		flagValue = filepath.Join(dir, profile+".yml")
	}
	return config.ResolvePath(flagValue)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath(cmd)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := log.Level(cfg.LogLevel)
	if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity >= 1 {
		logLevel = log.DebugLevel
	}
	log.Init(log.Config{Level: logLevel, JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("daemon")

	if daemonize, _ := cmd.Flags().GetBool("daemonize"); daemonize {
		if err := daemonizeSelf(); err != nil {
			return fmt.Errorf("failed to daemonize: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	pidPath := filepath.Join(cfg.DataDir, pidFileName)
	if err := acquirePIDFile(pidPath); err != nil {
		return fmt.Errorf("failed to acquire pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := state.Load(cfg.DataDir, cfg.DefaultParallelTasks)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	metrics.RegisterComponent("state", true, "loaded")

	logDir := filepath.Join(cfg.DataDir, "logs")
	proc := process.New(logDir, cfg.ShellCommand, cfg.EnvVars)

	sched := scheduler.New(store, proc, scheduler.Config{
		CallbackTemplate:    cfg.Callback,
		CallbackLogLines:    cfg.CallbackLogLines,
		ShellCommand:        cfg.ShellCommand,
		PauseGroupOnFailure: cfg.PauseGroupOnFailure,
		PauseAllOnFailure:   cfg.PauseAllOnFailure,
	})
	sched.Start()
	metrics.RegisterComponent("scheduler", true, "running")
	logger.Info().Msg("scheduler started")

	disp := dispatcher.New(store, proc, sched)

	var socketPermissions os.FileMode = 0700
	if cfg.SocketPermissions != "" {
		if parsed, err := strconv.ParseUint(cfg.SocketPermissions, 8, 32); err == nil {
			socketPermissions = os.FileMode(parsed)
		}
	}
	listener := transport.New(transport.Config{
		SocketPath:        cfg.SocketPath,
		SocketPermissions: socketPermissions,
		UseTLS:            cfg.UseTLS,
		Host:              cfg.Host,
		Port:              cfg.Port,
		CertDir:           filepath.Join(cfg.DataDir, "certs"),
		Secret:            cfg.Secret,
	}, disp)

	transportErrCh := make(chan error, 1)
	go func() {
		if err := listener.Serve(); err != nil {
			transportErrCh <- err
		}
	}()
	metrics.RegisterComponent("transport", true, "listening")
	logger.Info().Msg("transport started")

	collector := metrics.NewCollector(store)
	collector.Start()
	metrics.SetVersion(Version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	snapshotTicker := time.NewTicker(snapshotCadence)
	defer snapshotTicker.Stop()
	snapshotDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-snapshotTicker.C:
				store.Lock()
				if err := store.Save(); err != nil {
					logger.Warn().Err(err).Msg("periodic snapshot failed")
				}
				store.Unlock()
			case <-snapshotDone:
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	graceful := true
	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case sig := <-disp.ShutdownCh:
		graceful = sig.Graceful
		logger.Info().Bool("graceful", graceful).Msg("received shutdown request")
	case err := <-transportErrCh:
		logger.Error().Err(err).Msg("transport listener failed")
		graceful = false
	}

	close(snapshotDone)
	sched.Stop()
	_ = listener.Stop()
	collector.Stop()
	_ = metricsServer.Close()

	store.Lock()
	saveErr := store.Save()
	store.Unlock()
	if saveErr != nil {
		logger.Error().Err(saveErr).Msg("final snapshot failed")
		return fmt.Errorf("failed to save final state: %w", saveErr)
	}

	logger.Info().Msg("shutdown complete")
	if !graceful {
		os.Exit(1)
	}
	return nil
}

// acquirePIDFile refuses to start if the pid file names a process that is
// still alive, then writes the current process's pid. A file naming a dead
// process is stale and is overwritten.
func acquirePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("taskqd already running with pid %d", pid)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// daemonizeSelf re-execs the current process detached from the controlling
// terminal and exits the parent, the traditional double-fork-free daemonize
// shortcut available once a process already holds its own session via
// Setsid.
func daemonizeSelf() error {
	if os.Getenv("TASKQD_DAEMONIZED") == "1" {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), "TASKQD_DAEMONIZED=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}
	os.Exit(0)
	return nil
}
