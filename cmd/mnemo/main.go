// Mnemo is a conversational agent that remembers.
//
// Each conversation is scoped to a user and a session. The agent keeps a
// transcript and a growing list of facts per session, can call a small
// set of tools, and logs every reasoning step for later inspection.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mnemo serve                                   Start the API server
//	mnemo init [dir]                              Write a default config
//	mnemo ask -user u -session s <message>        Run one turn
//	mnemo reset -user u -session s                Delete a conversation
//	mnemo history -user u -session s              Print a transcript
//	mnemo version                                 Print version and build information
//	mnemo -o json version                         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mnemo/internal/api"
	"github.com/nugget/mnemo/internal/buildinfo"
	"github.com/nugget/mnemo/internal/config"
	"github.com/nugget/mnemo/internal/connwatch"
	"github.com/nugget/mnemo/internal/events"
	"github.com/nugget/mnemo/internal/memory"
	"github.com/nugget/mnemo/internal/mqtt"
)

// Session defaults for CLI subcommands when -user or -session is
// omitted.
const (
	defaultCLIUser    = "local"
	defaultCLISession = "cli"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mnemo command. Arguments are
// parsed by hand; the flag package's global state gets in the way of
// calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
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
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		sa, err := parseSessionArgs(cmdArgs)
		if err != nil {
			return err
		}
		if len(sa.rest) == 0 {
			return fmt.Errorf("usage: mnemo ask [-user u] [-session s] <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, sa)
	case "reset":
		sa, err := parseSessionArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runReset(ctx, stdout, stderr, configPath, outputFmt, sa)
	case "history":
		sa, err := parseSessionArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runHistory(ctx, stdout, stderr, configPath, outputFmt, sa)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// sessionArgs are the -user and -session flags shared by the
// conversation subcommands, plus any positional arguments.
type sessionArgs struct {
	user    string
	session string
	rest    []string
}

func parseSessionArgs(args []string) (sessionArgs, error) {
	sa := sessionArgs{user: defaultCLIUser, session: defaultCLISession}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-user" && i+1 < len(args):
			sa.user = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			sa.user = strings.TrimPrefix(args[i], "-user=")
		case args[i] == "-session" && i+1 < len(args):
			sa.session = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-session="):
			sa.session = strings.TrimPrefix(args[i], "-session=")
		case args[i] == "--":
			sa.rest = append(sa.rest, args[i+1:]...)
			return sa, nil
		case strings.HasPrefix(args[i], "-") && len(sa.rest) == 0:
			return sa, fmt.Errorf("unknown flag: %s", args[i])
		default:
			sa.rest = append(sa.rest, args[i])
		}
	}
	if strings.TrimSpace(sa.user) == "" || strings.TrimSpace(sa.session) == "" {
		return sa, fmt.Errorf("-user and -session must not be empty")
	}
	return sa, nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info)
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mnemo - a conversational agent that remembers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mnemo [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                               Start the API server")
	fmt.Fprintln(w, "  init [dir]                          Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-user u] [-session s] <msg>    Run a single turn")
	fmt.Fprintln(w, "  reset [-user u] [-session s]        Delete a conversation")
	fmt.Fprintln(w, "  history [-user u] [-session s]      Print a conversation transcript")
	fmt.Fprintln(w, "  version                             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mnemo/config.yaml, /etc/mnemo/config.yaml")
	return nil
}

// runAsk runs one turn against the configured store and prints the
// reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, sa sessionArgs) error {
	a, err := openApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	reply, err := a.loop.HandleTurn(ctx, sa.session, sa.user, strings.Join(sa.rest, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(reply)
	}
	fmt.Fprintln(stdout, reply.Content)
	return nil
}

// runReset deletes a conversation and everything recorded for it.
func runReset(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, sa sessionArgs) error {
	a, err := openApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.loop.ResetConversation(ctx, sa.user, sa.session)
	if outputFmt == "json" {
		if err := json.NewEncoder(stdout).Encode(res); err != nil {
			return err
		}
	}
	if !res.Success {
		return fmt.Errorf("reset: %s", res.Error)
	}
	if outputFmt == "text" {
		fmt.Fprintf(stdout, "Conversation %s for %s reset.\n", sa.session, sa.user)
	}
	return nil
}

// runHistory prints a conversation transcript.
func runHistory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, sa sessionArgs) error {
	a, err := openApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	key := memory.Key{UserID: sa.user, SessionID: sa.session}
	msgs, err := a.store.Messages(ctx, key)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if msgs == nil {
			msgs = []memory.ChatMessage{}
		}
		return enc.Encode(msgs)
	}
	_, err = io.WriteString(stdout, api.TranscriptMarkdown(key, msgs))
	return err
}

// runServe is the primary operating mode: it wires every component,
// starts the API server and the optional MQTT forwarder, and blocks
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT forwarder publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Queued log steps are flushed and stores closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Mnemo", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	a, err := openApp(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.store, logger)
	server.SetTodoStore(a.todos)
	server.SetEventBus(a.bus)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watcher := connwatch.NewManager(logger.With("component", "connwatch"))
	defer watcher.Stop()
	for _, name := range a.client.Providers() {
		watcher.Watch(ctx, connwatch.Config{
			Name:  name,
			Probe: a.client.Provider(name).Ping,
			OnChange: func(ready bool, err error) {
				data := map[string]any{"service": name, "ready": ready}
				if err != nil {
					data["error"] = err.Error()
				}
				a.bus.Emit(events.SourceSystem, events.KindServiceStatus, data)
			},
		})
	}
	server.SetHealthSource(watcher.Status)

	var forwarder *mqtt.Forwarder
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		forwarder = mqtt.New(cfg.MQTT, instanceID, a.bus, logger.With("component", "mqtt"))
		go func() {
			if err := forwarder.Start(ctx); err != nil {
				logger.Error("mqtt forwarder failed", "error", err)
			}
		}()
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if forwarder != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := forwarder.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Mnemo stopped")
	return nil
}
