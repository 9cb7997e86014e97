package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/fieldside/fieldside/internal/app"
	"github.com/fieldside/fieldside/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	headless = flag.Bool("headless", false, "Run without the interactive console")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("fieldside v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "init":
		if len(args) < 2 {
			fatal("usage: fieldside init <agent-directory>")
		}
		runInit(args[1])

	case "run":
		if len(args) < 2 {
			fatal("usage: fieldside run <agent-directory>")
		}
		runAgent(args[1])

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runInit(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fatal("invalid agent directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fatal("create agent directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "fieldside.json")
	if _, err := os.Stat(cfgPath); err == nil {
		fatal("config already exists: %s", cfgPath)
	}
	cfg := config.Default()
	cfg.Data.Dir = filepath.Join(absDir, "data")
	if err := config.Save(cfgPath, cfg); err != nil {
		fatal("write config: %v", err)
	}
	pterm.Success.Printfln("wrote %s — edit it, then: fieldside run %s", cfgPath, dirArg)
}

func runAgent(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fatal("invalid agent directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatal("agent directory does not exist: %s (try: fieldside init %s)", absDir, dirArg)
	}

	cfgPath := filepath.Join(absDir, "fieldside.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if cfg.Data.Dir == "" || !filepath.IsAbs(cfg.Data.Dir) {
		cfg.Data.Dir = filepath.Join(absDir, "data")
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		fatal("create data directory: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		pterm.Info.Println("shutting down…")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		CfgPath:     cfgPath,
		Cfg:         cfg,
		Interactive: !*headless,
	}); err != nil {
		fatal("agent failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("fieldside - call negotiation and job dispatch agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  fieldside init <directory>   Write a default config into the directory")
	fmt.Println("  fieldside run <directory>    Run the agent from the directory")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version information")
	fmt.Println("  -headless   Run without the interactive console")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  fieldside init ./agents/alice")
	fmt.Println("  fieldside run ./agents/alice")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	pterm.DefaultBox.Println("fieldside agent")
	pterm.Printfln("Agent Directory: %s", dir)
	pterm.Printfln("Config File:     %s", cfgPath)
	pterm.Printfln("Transport:       %s", cfg.Signal.Transport)
	if cfg.Signal.Transport == "relay" {
		pterm.Printfln("Relay:           %s", cfg.Signal.RelayURL)
	}
	pterm.Printfln("Dispatch Pool:   %s", cfg.Signal.Pool)
	pterm.Println()
	pterm.Println("Starting agent… (Press Ctrl+C to stop)")
	pterm.Println()
}

func fatal(format string, args ...any) {
	pterm.Error.Printfln(format, args...)
	os.Exit(1)
}
