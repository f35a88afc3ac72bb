package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/niagara-mcp/niagara-mcp/internal/filter"
	handler "github.com/niagara-mcp/niagara-mcp/internal/http"
	"github.com/niagara-mcp/niagara-mcp/internal/interceptor"
	niagaramcp "github.com/niagara-mcp/niagara-mcp/internal/mcp"
	"github.com/niagara-mcp/niagara-mcp/internal/metrics"
	mcp_nats "github.com/niagara-mcp/niagara-mcp/internal/nats"
	"github.com/niagara-mcp/niagara-mcp/internal/router"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
	"github.com/niagara-mcp/niagara-mcp/internal/watch"
)

var (
	version string = "dev"
	commit  string = "none"
	date    string = "unknown"
)

var (
	fs *ff.FlagSet

	mode         *string
	host         *string
	port         *int
	username     *string
	password     *string
	useHTTPS     *bool
	insecure     *bool
	haystackPath *string
	relayURL     *string
	relayToken   *string

	timeout         *time.Duration
	localTimeout    *time.Duration
	sessionTTL      *time.Duration
	maxResponseSize *string
	filterMaxLen    *int
	watchGrace      *time.Duration

	httpPort *int

	natsURL      *string
	natsLogs     *bool
	natsPort     *int
	natsUser     *string
	natsPass     *string
	natsStoreDir *string
	natsConfig   *string

	eventsStream   *string
	eventsMaxAge   *time.Duration
	eventsReplicas *int
	eventsTimeout  *time.Duration

	writePolicy *string
	debug       *bool
)

func main() {
	fs = ff.NewFlagSet("niagara-mcp")
	mode = fs.String('m', "mode", "local", "Deployment mode (local|relay|hybrid)")
	host = fs.StringLong("host", "localhost", "Niagara station host")
	port = fs.IntLong("port", 8080, "Niagara station port")
	username = fs.String('u', "username", "", "Station user")
	password = fs.StringLong("password", "", "Station password")
	useHTTPS = fs.BoolLong("https", "Use HTTPS to reach the station")
	insecure = fs.BoolLong("insecure-skip-verify", "Do not verify the station and relay TLS certificates")
	haystackPath = fs.StringLong("haystack-path", "/haystack", "Haystack servlet path")
	relayURL = fs.StringLong("relay-url", "", "Cloud relay URL")
	relayToken = fs.StringLong("relay-token", "", "Cloud relay bearer token")

	timeout = fs.DurationLong("timeout", 30*time.Second, "Timeout of every station request")
	localTimeout = fs.DurationLong("local-timeout", 5*time.Second, "Timeout of the local attempt in hybrid mode")
	sessionTTL = fs.DurationLong("session-ttl", 30*time.Minute, "Estimated lifetime of a station session")
	maxResponseSize = fs.StringLong("max-response-size", humanize.IBytes(uint64(session.DefaultMaxResponseSize)), "Maximum size of a station response")
	filterMaxLen = fs.IntLong("filter-max-len", filter.DefaultMaxLen, "Maximum length of a filter expression")
	watchGrace = fs.DurationLong("watch-grace", watch.DefaultGrace, "Grace window after a watch lease expires")

	httpPort = fs.IntLong("http-port", 0, "Serve MCP over streamable HTTP on this port (0 to use stdio)")

	natsURL = fs.StringLong("nats-url", "", "External NATS server url for watch events")
	natsLogs = fs.BoolLong("nats-logs", "Enable NATS server logging")
	natsPort = fs.IntLong("nats-port", 0, "Embedded NATS server port (0 to disable)")
	natsStoreDir = fs.StringLong("nats-store-dir", "", "Embedded NATS server store directory")
	natsUser = fs.StringLong("nats-user", "", "NATS user")
	natsPass = fs.StringLong("nats-pass", "", "NATS password")
	natsConfig = fs.StringLong("nats-config", "", "Embedded NATS server config file")

	eventsStream = fs.StringLong("events-stream", mcp_nats.DefaultStream, "Watch events stream name")
	eventsMaxAge = fs.DurationLong("events-max-age", 24*time.Hour, "Watch events stream max age")
	eventsReplicas = fs.IntLong("events-replicas", 1, "Number of replicas of the watch events stream in clustered jetstream")
	eventsTimeout = fs.DurationLong("events-timeout", 5*time.Second, "Watch events publisher timeout")

	writePolicy = fs.StringLong("write-policy", "", "Go script with Before/After hooks guarding write_point")
	debug = fs.BoolLong("debug", "Enable debug logging")
	printVersion := fs.BoolLong("version", "Print version information and exit")
	_ = fs.String('c', "config", "", "config file (optional)")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("NIAGARA"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "err=%v\n", err)
		os.Exit(2)
	}

	if *printVersion {
		fmt.Println("niagara-mcp")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Date: %s\n", date)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	// stdout carries the stdio transport
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func backends(m router.Mode) ([]session.Backend, error) {
	var out []session.Backend
	if m != router.ModeRelay {
		if *host == "" {
			return nil, fmt.Errorf("--host is required in %s mode", m)
		}
		out = append(out, session.Local{
			Host:      *host,
			Port:      *port,
			Username:  *username,
			Password:  *password,
			UseHTTPS:  *useHTTPS,
			Path:      *haystackPath,
			VerifySSL: !*insecure,
		})
	}
	if m != router.ModeLocal {
		if *relayURL == "" {
			return nil, fmt.Errorf("--relay-url is required in %s mode", m)
		}
		out = append(out, session.Relay{URL: *relayURL, Token: *relayToken, VerifySSL: !*insecure})
	}
	return out, nil
}

func loadPolicy(file string) (*interceptor.Policy, error) {
	if file == "" {
		return nil, nil
	}
	policy, err := interceptor.Load(file)
	if err != nil {
		return nil, fmt.Errorf("failed to load write policy: %w", err)
	}
	if policy == nil {
		slog.Warn("write policy declares no Before or After hook, writes are not guarded", "file", file)
		return nil, nil
	}
	slog.Info("write policy loaded", "policy", policy.Name())
	return policy, nil
}

func run() error {
	m, err := router.ParseMode(*mode)
	if err != nil {
		return err
	}
	bs, err := backends(m)
	if err != nil {
		return err
	}
	maxSize, err := humanize.ParseBytes(*maxResponseSize)
	if err != nil {
		return fmt.Errorf("invalid --max-response-size: %w", err)
	}
	if *filterMaxLen < 1 {
		return fmt.Errorf("--filter-max-len must be at least 1")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := session.NewManager(session.Config{
		Timeout:         *timeout,
		SessionTTL:      *sessionTTL,
		MaxResponseSize: int64(maxSize),
	}, bs...)
	defer mgr.Close()

	rt, err := router.New(router.DeploymentConfig{Mode: m, LocalTimeout: *localTimeout}, mgr)
	if err != nil {
		return err
	}
	validator := filter.Validator{MaxLen: *filterMaxLen}
	opts := []watch.Option{watch.WithGrace(*watchGrace), watch.WithValidator(validator)}

	var events niagaramcp.EventReader
	natsCfg := mcp_nats.Config{
		URL:        *natsURL,
		Name:       "niagara-mcp",
		Port:       *natsPort,
		StoreDir:   *natsStoreDir,
		User:       *natsUser,
		Pass:       *natsPass,
		File:       *natsConfig,
		EnableLogs: *natsLogs,
	}
	var eventReader *mcp_nats.EventReader
	if natsCfg.Enabled() {
		nc, closeNATS, err := mcp_nats.Connect(natsCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer closeNATS()

		slog.Info("starting watch events publisher", "stream", *eventsStream)
		publisher, err := mcp_nats.NewEventPublisher(ctx, nc, mcp_nats.StreamConfig{
			Name:     *eventsStream,
			Replicas: *eventsReplicas,
			MaxAge:   *eventsMaxAge,
			Timeout:  *eventsTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to start watch events publisher: %w", err)
		}
		opts = append(opts, watch.WithPublisher(publisher))
		eventReader, err = mcp_nats.NewEventReader(nc, *eventsStream)
		if err != nil {
			return fmt.Errorf("failed to start watch events reader: %w", err)
		}
		events = eventReader
	}
	watches := watch.New(rt, opts...)
	metrics.WatchGauge(func() int { return len(watches.List()) })

	policy, err := loadPolicy(*writePolicy)
	if err != nil {
		return err
	}

	byTag := make(map[session.Tag]session.Backend, len(bs))
	for _, b := range bs {
		byTag[b.Tag()] = b
	}
	server := niagaramcp.NewServer(niagaramcp.Config{
		Version:   version,
		Router:    rt,
		Backends:  byTag,
		Watches:   watches,
		Policy:    policy,
		Events:    events,
		Validator: validator,
	})

	if *httpPort <= 0 {
		slog.Info("serving MCP over stdio", "mode", m)
		err := server.Run(ctx, &mcp.StdioTransport{})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	h := &handler.Handlers{Router: rt, Watches: watches}
	if eventReader != nil {
		h.Events = eventReader
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: handler.NewMux(h, niagaramcp.NewHTTPHandler(server), metrics.Handler()),
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown", "error", err)
		}
	}()
	slog.Info("starting HTTP server", "port", *httpPort, "mode", m)
	return srv.ListenAndServe()
}
