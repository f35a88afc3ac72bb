package nats

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Config selects the broker receiving watch events. URL points to an
// external server; otherwise an embedded server is started when Port is set.
type Config struct {
	URL        string
	Name       string
	Port       int
	StoreDir   string
	User       string
	Pass       string
	File       string
	EnableLogs bool
}

func (c Config) Enabled() bool {
	return c.URL != "" || c.Port != 0 || c.File != ""
}

// Connect returns a connection to the configured broker. The returned stop
// function drains the connection and shuts down the embedded server if any.
func Connect(cfg Config) (*nats.Conn, func(), error) {
	if cfg.URL != "" {
		opts := []nats.Option{
			nats.Name(cfg.Name),
			nats.ReconnectHandler(func(c *nats.Conn) {
				slog.Info("reconnected to NATS server", "url", c.ConnectedUrl())
			}),
			nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
				slog.Warn("disconnected from NATS server", "url", c.ConnectedUrl(), "error", err)
			}),
			nats.ClosedHandler(func(c *nats.Conn) {
				slog.Info("NATS connection closed permanently")
			}),
		}
		if cfg.User != "" {
			opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
		}
		nc, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS %s: %w", cfg.URL, err)
		}
		return nc, func() { _ = nc.Drain() }, nil
	}
	nc, ns, err := runEmbedded(cfg)
	if err != nil {
		return nil, nil, err
	}
	return nc, func() {
		_ = nc.Drain()
		ns.Shutdown()
		ns.WaitForShutdown()
	}, nil
}

func runEmbedded(cfg Config) (*nats.Conn, *server.Server, error) {
	var (
		opts *server.Options
		err  error
	)
	if cfg.File != "" {
		opts, err = server.ProcessConfigFile(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to process nats config file: %w", err)
		}
	} else {
		opts = &server.Options{
			ServerName: cfg.Name,
			Port:       cfg.Port,
			StoreDir:   cfg.StoreDir,
		}
		if cfg.User != "" && cfg.Pass != "" {
			acct := server.NewAccount("niagara")
			acct.EnableJetStream(map[string]server.JetStreamAccountLimits{
				"": {MaxMemory: -1, MaxStore: -1, MaxStreams: -1, MaxConsumers: -1},
			}, nil)
			opts.Accounts = []*server.Account{acct}
			opts.Users = []*server.User{{Username: cfg.User, Password: cfg.Pass, Account: acct}}
		}
	}
	opts.JetStream = true
	opts.DisableJetStreamBanner = true
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EnableLogs {
		ns.ConfigureLogger()
	}
	slog.Info("starting embedded NATS server", "port", opts.Port, "store_dir", opts.StoreDir)
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, nil, errors.New("embedded NATS server not ready after 5s")
	}
	if ns.ClusterName() != "" {
		waitForLeader(ns, opts.Cluster.PoolSize)
	}

	slog.Info("embedded NATS server is ready", "cluster", ns.ClusterName(), "jetstream", ns.JetStreamEnabled())
	connOpts := []nats.Option{nats.InProcessServer(ns), nats.Name(cfg.Name)}
	if cfg.User != "" {
		connOpts = append(connOpts, nats.UserInfo(cfg.User, cfg.Pass))
	}
	nc, err := nats.Connect("", connOpts...)
	if err != nil {
		ns.Shutdown()
		return nil, nil, err
	}
	return nc, ns, nil
}

func waitForLeader(ns *server.Server, size int) {
	for {
		if raftz := ns.Raftz(&server.RaftzOptions{}); raftz != nil {
			for _, group := range *raftz {
				for _, raft := range group {
					if raft.Leader != "" {
						return
					}
				}
			}
		}
		slog.Info("waiting for the cluster leader", "peers", len(ns.JetStreamClusterPeers()), "size", size)
		time.Sleep(500 * time.Millisecond)
	}
}
