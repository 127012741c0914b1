// ABOUTME: Entry point for the munnel reverse tunnel
// ABOUTME: Runs the server or agent side from command-line arguments and munnel.yaml

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/munnel/internal/agent"
	"github.com/2389/munnel/internal/config"
	"github.com/2389/munnel/internal/server"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                       _
 _ __ ___   _   _  _ __   _ __    ___ | |
| '_ ` + "`" + ` _ \ | | | || '_ \ | '_ \  / _ \| |
| | | | | || |_| || | | || | | ||  __/| |
|_| |_| |_| \__,_||_| |_||_| |_| \___||_|
`

// Exit codes: 0 normal shutdown, 1 configuration error, 2 fatal runtime error.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "server":
		return runServer(ctx, os.Args[2:])
	case "agent":
		return runAgent(ctx, os.Args[2:])
	case "init":
		return runInit()
	case "version":
		fmt.Printf("munnel %s\n", version)
		return exitOK
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Println(`Usage: munnel <command>

Commands:
  server <BIND_IP:PORT> ["<NAME> <GROUP> <LISTEN_IP:PORT> <DEST_HOST:PORT>" ...]
                         Start the server side of the tunnel
  agent <SERVER_IP:PORT> [GROUP]
                         Start an agent serving the given group
  init                   Write a starter munnel.yaml
  version                Print the version
  help                   Show this help

Use "-" as GROUP for services and agents without a group. Services may also
be defined in munnel.yaml (path from MUNNEL_CONFIG or ./munnel.yaml);
command-line services override file services with the same name.`)
}

func printBanner() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)
}

func runServer(ctx context.Context, args []string) int {
	printBanner()

	cfg, err := config.LoadIfPresent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	logger := setupLogger(cfg.Logging)

	bind := cfg.Server.Bind
	var cliServices []config.ServiceConfig
	if len(args) > 0 {
		bind = args[0]
		if _, _, err := net.SplitHostPort(bind); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid bind address %q: %v\n", bind, err)
			return exitConfig
		}
		for _, s := range args[1:] {
			svc, err := config.ParseServiceString(s)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return exitConfig
			}
			cliServices = append(cliServices, svc)
		}
	}
	if bind == "" {
		bind = server.DefaultBind
	}

	merged := config.MergeServices(cfg.Services, cliServices, logger)
	if len(merged) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no services configured (pass service strings or add them to munnel.yaml)")
		return exitConfig
	}

	services := make([]server.Service, 0, len(merged))
	for _, svc := range merged {
		services = append(services, server.Service{
			Name:   svc.Name,
			Group:  svc.Group,
			Listen: svc.Listen,
			Dest:   svc.Dest,
		})
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Bind:     %s\n", bind)
	for _, svc := range merged {
		group := svc.Group
		if group == "" {
			group = "-"
		}
		green.Print("    ▶ ")
		fmt.Printf("Service:  %s [%s] %s -> %s\n", svc.Name, group, svc.Listen, svc.Dest)
	}
	fmt.Println()

	srv, err := server.New(server.Config{
		Bind:            bind,
		Services:        services,
		PingInterval:    cfg.Timeouts.PingInterval,
		PongTimeout:     cfg.Timeouts.PongTimeout,
		PendingDeadline: cfg.Timeouts.PendingRequest,
		DrainDeadline:   cfg.Timeouts.Drain,
		MaxAgents:       cfg.Limits.MaxAgents,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return exitRuntime
	}
	return exitOK
}

func runAgent(ctx context.Context, args []string) int {
	printBanner()

	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "Error: usage: munnel agent <SERVER_IP:PORT> [GROUP]")
		return exitConfig
	}

	serverAddr := args[0]
	if _, _, err := net.SplitHostPort(serverAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid server address %q: %v\n", serverAddr, err)
		return exitConfig
	}

	group := ""
	if len(args) == 2 && args[1] != "-" {
		group = args[1]
	}

	cfg, err := config.LoadIfPresent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Server:   %s\n", serverAddr)
	green.Print("    ▶ ")
	if group == "" {
		fmt.Println("Group:    -")
	} else {
		fmt.Printf("Group:    %s\n", group)
	}
	fmt.Println()

	a := agent.New(agent.Config{
		Server:       serverAddr,
		Group:        group,
		DialTimeout:  cfg.Timeouts.Dial,
		PingInterval: cfg.Timeouts.PingInterval,
		PongTimeout:  cfg.Timeouts.PongTimeout,
	}, logger)

	if err := a.Run(ctx); err != nil {
		logger.Error("agent failed", "error", err)
		return exitRuntime
	}
	return exitOK
}

func runInit() int {
	path := config.ResolvePath()
	if err := config.WriteStarter(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	fmt.Printf("Config written to %s\n", path)
	fmt.Println("\nTo start the server:")
	fmt.Println("  munnel server")
	return exitOK
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
