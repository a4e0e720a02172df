package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/reflectchat/internal/bus"
	"github.com/basket/reflectchat/internal/config"
	"github.com/basket/reflectchat/internal/gateway"
	otelPkg "github.com/basket/reflectchat/internal/otel"
	"github.com/basket/reflectchat/internal/queue"
	"github.com/basket/reflectchat/internal/replier"
	"github.com/basket/reflectchat/internal/session"
	"github.com/basket/reflectchat/internal/store"
	"github.com/basket/reflectchat/internal/telemetry"
	"github.com/basket/reflectchat/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

PARTICIPANT MODE (default):
  %s                          Start a new study session in the terminal
  %s -resume <session-id>     Resume an interrupted session

SERVER MODE:
  %s -daemon                  Run the gateway (chat proxy + event collector)
  %s serve                    Same as -daemon

SUBCOMMANDS:
  %s status                   Probe the gateway health endpoint
  %s sessions                 List stored sessions
  %s export <session-id>      Write the transcript and annotation exports
                              Options: -dir <path> (default: current directory)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  REFLECTCHAT_HOME        Data directory (default: ~/.reflectchat)
  REFLECTCHAT_NO_TUI      Set to 1 to disable the TUI (use with -daemon)
  REFLECTCHAT_STUDY_CODE  Study code sent with proxy and collector calls
  OPENAI_API_KEY          Required in server mode (or the configured key env)

EXAMPLES:
  Participant session:    %s
  Gateway server:         %s -daemon
  Check gateway health:   %s status
  Export a session:       %s export 7f3c2a10-... -dir ./exports
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("REFLECTCHAT_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run the gateway server (no participant TUI)")
	resume := flag.String("resume", "", "resume an existing session by id")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	// Quiet logs (file-only) in interactive mode so the TUI stays clean.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "sessions":
			os.Exit(runSessionsCommand(ctx, args[1:]))
		case "export":
			os.Exit(runExportCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "serve":
			interactive = false
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q (try %s help)\n", args[0], os.Args[0])
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	eventBus := bus.New()

	// OpenTelemetry is a no-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	dbPath := filepath.Join(cfg.HomeDir, "reflectchat.db")
	st, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	if !interactive {
		runServer(ctx, &cfg, st, eventBus, otelProvider, logger)
		return
	}

	if err := runParticipant(ctx, stop, &cfg, st, eventBus, otelProvider, logger, *resume); err != nil {
		fatalStartup(logger, "E_SESSION_RUN", err)
	}
	logger.Info("shutdown complete")
}

// runServer hosts the gateway until the context is cancelled.
func runServer(ctx context.Context, cfg *config.Config, st *store.Store, eventBus *bus.Bus, provider *otelPkg.Provider, logger *slog.Logger) {
	if cfg.UpstreamAPIKey() == "" {
		logger.Warn("upstream API key is not set; chat proxy calls will fail",
			"api_key_env", cfg.Upstream.APIKeyEnv)
	}
	if cfg.Persona == "" {
		logger.Warn("PERSONA.md is empty or missing; replies will have no persona",
			"path", config.PersonaPath(cfg.HomeDir))
	}

	journal, err := gateway.OpenJournal(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_JOURNAL_OPEN", err)
	}
	defer journal.Close()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	gw := gateway.New(gateway.Config{
		Store:   st,
		Bus:     eventBus,
		Cfg:     cfg,
		Logger:  logger,
		Tracer:  provider.Tracer,
		Metrics: metrics,
	}, journal)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	watchConfig(ctx, cfg, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// watchConfig hot-reloads PERSONA.md and config.yaml while the server runs.
// The gateway reads the persona per request, so an updated prompt takes
// effect on the next reply without a restart.
func watchConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; hot-reload disabled", "error", err)
		return
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			switch filepath.Base(ev.Path) {
			case "PERSONA.md":
				data, err := os.ReadFile(ev.Path)
				if err == nil {
					cfg.Persona = strings.TrimSpace(string(data))
					logger.Info("PERSONA.md hot-reloaded")
				}
			case "config.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					break
				}
				// Bind address and storage paths need a restart; the
				// generation settings and study code do not.
				cfg.Upstream = newCfg.Upstream
				cfg.StudyCode = newCfg.StudyCode
				logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
			}
		}
	}()
}

// runParticipant drives a study session through the TUI. Every recorded
// event flows through the durable queue; the flusher keeps draining it to
// the collector while the participant types.
func runParticipant(ctx context.Context, stop context.CancelFunc, cfg *config.Config, st *store.Store, eventBus *bus.Bus, provider *otelPkg.Provider, logger *slog.Logger, resumeID string) error {
	var sess *session.Session
	if resumeID != "" {
		doc, err := st.LoadSessionDoc(ctx, resumeID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", resumeID, err)
		}
		sess, err = session.Decode(doc)
		if err != nil {
			return fmt.Errorf("decode session %s: %w", resumeID, err)
		}
	} else {
		sess = session.New()
	}

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	collector := queue.NewCollectorClient(cfg.CollectorURL, cfg.StudyCode, logger)
	q, err := queue.Open(ctx, sess.SessionID, st, collector, queue.Options{
		BatchSize:  cfg.Queue.BatchSize,
		MaxEntries: cfg.Queue.MaxEntries,
		Metrics:    metrics,
		Tracer:     provider.Tracer,
	}, eventBus, logger)
	if err != nil {
		return fmt.Errorf("open event queue: %w", err)
	}

	flusher, err := queue.NewFlusher(q, cfg.Queue.FlushCron, logger)
	if err != nil {
		return err
	}
	flusher.Start(ctx)
	defer flusher.Stop()

	rep := replier.NewProxyClient(cfg.ProxyURL, cfg.StudyCode, logger)
	ctrl := session.NewController(sess, st, q, rep, eventBus, logger)
	ctrl.SetMetrics(metrics)
	if resumeID != "" {
		gate, err := ctrl.OnSessionLoad(ctx)
		if err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
		logger.Info("session resumed", "session_id", sess.SessionID, "gate_pending", gate.Required)
	} else {
		logger.Info("session started", "session_id", sess.SessionID)
	}

	exportDir := filepath.Join(cfg.HomeDir, "exports")
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	err = tui.Run(ctx, tui.Options{
		Controller: ctrl,
		Queue:      q,
		ExportDir:  exportDir,
		Logger:     logger,
	})
	stop()
	return err
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
