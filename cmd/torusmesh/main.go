package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o torusmesh ./cmd/torusmesh
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
	}

	switch os.Args[1] {
	case "rendezvous":
		runRendezvous(os.Args[2:])
	case "node":
		runNode(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version", "--version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("torusmesh %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: torusmesh <command> [options]")
	fmt.Println()
	fmt.Println("Servers:")
	fmt.Println("  rendezvous [--config path] [--listen addr]      Run the rendezvous server")
	fmt.Println("  node [--config path] [--rendezvous url] [--api addr]")
	fmt.Println("                                                  Join a mesh as one node")
	fmt.Println()
	fmt.Println("  Both accept --log-level debug|info|warn|error and --log-format text|json.")
	fmt.Println()
	fmt.Println("Inspection:")
	fmt.Println("  status [--addr host:port] [--json]              Query a running process's admin API")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  config validate [--role r] [--config path]      Validate config")
	fmt.Println("  config show     [--role r] [--config path]      Show resolved config")
	fmt.Println("  config rollback [--role r] [--config path]      Restore last-known-good config")
	fmt.Println()
	fmt.Println("  version                                         Show version information")
	fmt.Println()
	fmt.Println("Roles are \"node\" (default) and \"rendezvous\". Without --config, torusmesh searches:")
	fmt.Println("  ./torusmesh-<role>.yaml, ~/.config/torusmesh/<role>.yaml, /etc/torusmesh/<role>.yaml")
	fmt.Println("and falls back to built-in defaults when none exists.")
}
