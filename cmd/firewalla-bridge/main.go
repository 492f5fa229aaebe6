// Firewalla-bridge polls the Firewalla MSP API and exposes devices,
// flows and alarms to Home Assistant through MQTT discovery.
//
// Usage:
//
//	firewalla-bridge serve                      Run the bridge
//	firewalla-bridge check                      Authenticate and fetch once
//	firewalla-bridge features [list]            Show feature flags
//	firewalla-bridge features set NAME on|off   Store a feature override
//	firewalla-bridge features clear NAME        Remove a feature override
//	firewalla-bridge init [dir]                 Write an example config
//	firewalla-bridge version                    Print build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/firewalla-bridge/internal/buildinfo"
	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/firewalla"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; command output goes
// to stdout as well so it can be piped. Arguments are parsed by hand to
// keep run free of package-level flag state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "check":
		return runCheck(ctx, stdout, configPath, outputFmt)
	case "features":
		return runFeatures(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "firewalla-bridge - Firewalla MSP to Home Assistant bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: firewalla-bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Run the bridge")
	fmt.Fprintln(w, "  check                       Authenticate, fetch once and print a summary")
	fmt.Fprintln(w, "  features [list]             Show feature flags and their source")
	fmt.Fprintln(w, "  features set NAME on|off    Store a feature override")
	fmt.Fprintln(w, "  features clear NAME         Remove a feature override")
	fmt.Fprintln(w, "  init [dir]                  Write an example config (default: .)")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newFirewallaClient builds the API client from cfg, failing early when
// no credentials are configured.
func newFirewallaClient(cfg *config.Config, logger *slog.Logger) (*firewalla.Client, error) {
	if !cfg.Firewalla.Configured() {
		return nil, fmt.Errorf("firewalla.api_token is not set")
	}
	opts := []firewalla.Option{
		firewalla.WithLimits(cfg.Firewalla.AlarmLimit, cfg.Firewalla.FlowLimit),
		firewalla.WithLogger(logger),
	}
	if cfg.Firewalla.BaseURL != "" {
		opts = append(opts, firewalla.WithBaseURL(cfg.Firewalla.BaseURL))
	}
	return firewalla.NewClient(cfg.Firewalla.Subdomain, cfg.Firewalla.APIToken, opts...), nil
}
