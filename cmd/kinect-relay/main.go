// kinect-relay republishes skeletal tracking data from a depth camera.
//
// For every tracked body in every body frame it writes the joint
// positions as indented JSON to kinect_data.json and publishes the same
// bytes to the MQTT topic nao/kinect (QoS 0, not retained), where a
// robot controller picks them up. Configuration is loaded from a YAML
// file discovered automatically (see [config.DefaultSearchPaths]); with
// no file the built-in defaults are used.
//
// Usage:
//
//	kinect-relay                   Relay frames until Enter or a signal
//	kinect-relay serve             Same as above
//	kinect-relay init [dir]        Write an example config file
//	kinect-relay dump <rawlog>     Print a frame recording
//	kinect-relay version           Print version and build information
//	kinect-relay -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/kinect-relay/internal/buildinfo"
	"github.com/nugget/kinect-relay/internal/config"
)

// main is intentionally minimal. It hands the OS environment to [run]
// so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. stdin is watched for the Enter key that
// ends a serve session; logs and console lines go to stdout. args is
// os.Args[1:], parsed by hand so tests can call run concurrently.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
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
	case "", "serve":
		return runServe(ctx, stdin, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "dump":
		if len(cmdArgs) == 0 {
			return errors.New("usage: kinect-relay dump <rawlog>")
		}
		return runDump(stdout, cmdArgs[0], outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "version:", info.Version)
	fmt.Fprintf(w, "  %-12s %s\n", "git_commit:", info.GitCommit)
	fmt.Fprintf(w, "  %-12s %s\n", "build_time:", info.BuildTime)
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s\n", "platform:", info.Platform)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "kinect-relay - Kinect skeleton to MQTT relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: kinect-relay [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Relay body frames until Enter or a signal (default)")
	fmt.Fprintln(w, "  init [dir]     Write an example kinect-relay.yaml (default: .)")
	fmt.Fprintln(w, "  dump <rawlog>  Print a frame recording")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	fmt.Fprintln(w, "  (built-in defaults when none exists)")
	return nil
}

// newLogger creates a structured logger writing to w at level. Format
// "json" selects the JSON handler; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses, and validates the configuration. An
// explicit path must exist. Without one, the first file found in the
// search paths is used, or the defaults when there is none; the
// returned path is empty in that case.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	var cfg *config.Config
	switch {
	case errors.Is(err, config.ErrNoConfig):
		cfg, cfgPath = config.Default(), ""
	case err != nil:
		return nil, "", err
	default:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		if cfgPath == "" {
			return nil, "", fmt.Errorf("invalid default config: %w", err)
		}
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
