// Package main is the tentickle CLI: it launches the daemon and talks
// to a running one over its unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/tentickle/tentickle/internal/common/config"
	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/daemon"
	"github.com/tentickle/tentickle/internal/gateway/wsclient"
)

const (
	exitOK          = 0
	exitError       = 1
	exitUnreachable = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitError
	}

	if len(args) == 0 {
		usage()
		return exitOK
	}

	switch args[0] {
	case "start":
		return cmdStart(cfg, args[1:])
	case "stop":
		return cmdStop(cfg)
	case "status":
		return cmdStatus(cfg)
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return exitError
	}
}

func usage() {
	fmt.Println(`tentickle - local runtime for long-lived agents

Usage:
  tentickle start [--foreground] [--port <n>] [--agent <name>]
  tentickle stop
  tentickle status`)
}

func cmdStart(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	foreground := fs.Bool("foreground", false, "run in the foreground instead of detaching")
	port := fs.Int("port", 0, "websocket port override")
	agent := fs.String("agent", "", "default app override")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *port != 0 {
		cfg.Daemon.Port = *port
	}
	if *agent != "" {
		cfg.Daemon.DefaultApp = *agent
	}

	if daemon.Alive(cfg.PidfilePath()) {
		fmt.Fprintln(os.Stderr, "daemon already running")
		return exitError
	}

	if !*foreground {
		return detach(cfg, args)
	}
	return runForeground(cfg)
}

// detach re-execs the binary with --foreground in its own session, with
// output going to the daemon log file.
func detach(cfg *config.Config, args []string) int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot locate binary: %v\n", err)
		return exitError
	}
	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create data dir: %v\n", err)
		return exitError
	}
	logPath := filepath.Join(cfg.Daemon.DataDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open daemon log: %v\n", err)
		return exitError
	}
	defer logFile.Close()

	cmd := exec.Command(exe, append([]string{"start", "--foreground"}, args...)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to launch daemon: %v\n", err)
		return exitError
	}
	fmt.Printf("daemon started (pid %d), logs at %s\n", cmd.Process.Pid, logPath)
	return exitOK
}

func runForeground(cfg *config.Config) int {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitError
	}
	defer log.Sync()
	logger.SetDefault(log)

	d, err := daemon.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize daemon: %v\n", err)
		return exitError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		return exitError
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	d.Stop()
	return exitOK
}

func cmdStop(cfg *config.Config) int {
	pid, err := daemon.ReadPidfile(cfg.PidfilePath())
	if err != nil || !daemon.Alive(cfg.PidfilePath()) {
		fmt.Fprintln(os.Stderr, "daemon not running")
		return exitUnreachable
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal daemon (pid %d): %v\n", pid, err)
		return exitError
	}

	// The daemon drains within 5s of SIGTERM; give it a little slack.
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			fmt.Println("daemon stopped")
			return exitOK
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "daemon (pid %d) did not exit in time\n", pid)
	return exitError
}

func cmdStatus(cfg *config.Config) int {
	if url := os.Getenv("TENTICKLE_DAEMON_URL"); url != "" {
		return remoteStatus(url)
	}

	client, err := daemon.Dial(cfg.Daemon.SocketPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUnreachable
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status request failed: %v\n", err)
		return exitError
	}
	printStatus(status)
	return exitOK
}

// remoteStatus asks a remote daemon for its status over the websocket
// protocol.
func remoteStatus(daemonURL string) int {
	url := strings.Replace(strings.Replace(daemonURL, "https://", "wss://", 1), "http://", "ws://", 1)
	if !strings.HasSuffix(url, "/ws") {
		url = strings.TrimSuffix(url, "/") + "/ws"
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitError
	}

	client := wsclient.New(url, log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable at %s: %v\n", daemonURL, err)
		return exitUnreachable
	}
	defer client.Close()

	status, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status request failed: %v\n", err)
		return exitError
	}
	printStatus(status)
	return exitOK
}

func printStatus(status map[string]any) {
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-14s %v\n", k+":", status[k])
	}
}
