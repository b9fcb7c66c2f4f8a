package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/rudransh-shrivastava/dropbridge/internal/callback"
	"github.com/rudransh-shrivastava/dropbridge/internal/config"
	"github.com/rudransh-shrivastava/dropbridge/internal/content"
	"github.com/rudransh-shrivastava/dropbridge/internal/discovery"
	"github.com/rudransh-shrivastava/dropbridge/internal/history"
	"github.com/rudransh-shrivastava/dropbridge/internal/peer"
	"github.com/rudransh-shrivastava/dropbridge/internal/registry"
	"github.com/rudransh-shrivastava/dropbridge/internal/relay"
	"github.com/rudransh-shrivastava/dropbridge/internal/server"
	"github.com/rudransh-shrivastava/dropbridge/internal/session"
	rtc "github.com/rudransh-shrivastava/dropbridge/internal/transport/webrtc"
)

var serveFlags struct {
	listen      string
	quicListen  string
	noDiscovery bool
	localInbox  string
	localName   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "runs the proxy",
	Long:  `runs the proxy: the HTTPS listener for native senders and bridge endpoints, the QUIC listener for command line peers, and mDNS advertisement`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		applyServeFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := newProxy(cfg, log)
		if err != nil {
			return err
		}
		defer p.Close()

		return p.Serve(ctx)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "HTTPS listen address")
	f.StringVar(&serveFlags.quicListen, "quic-listen", "", "QUIC listen address, empty disables")
	f.BoolVar(&serveFlags.noDiscovery, "no-discovery", false, "do not advertise peers over mDNS")
	f.StringVar(&serveFlags.localInbox, "local-inbox", "", "also register a receiver saving into this directory")
	f.StringVar(&serveFlags.localName, "local-name", "", "display name of the local receiver")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Listen = serveFlags.listen
	}
	if f.Changed("quic-listen") {
		cfg.QUICListen = serveFlags.quicListen
	}
	if serveFlags.noDiscovery {
		cfg.Discovery.Enabled = false
	}
	if serveFlags.localInbox != "" {
		cfg.LocalPeer.Enabled = true
		cfg.LocalPeer.InboxDir = serveFlags.localInbox
	}
	if serveFlags.localName != "" {
		cfg.LocalPeer.Name = serveFlags.localName
	}
}

// proxy is the wired service tree of one serve run.
type proxy struct {
	sup     *suture.Supervisor
	http    *server.HTTPService
	log     logrus.FieldLogger
	closers []func()
}

func newProxy(cfg config.Config, log *logrus.Logger) (_ *proxy, err error) {
	p := &proxy{log: log}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	disc, err := newDiscovery(cfg, log)
	if err != nil {
		return nil, err
	}
	if z, ok := disc.(*discovery.Zeroconf); ok {
		p.closers = append(p.closers, z.Close)
	}

	reg := registry.New(registry.Config{
		Discovery: disc,
		Port:      cfg.Port(),
		Flags:     discovery.Flags(cfg.Discovery.Flags),
		Logger:    log.WithField("component", "registry"),
	})

	store, err := content.NewDisk(content.DiskConfig{
		Dir:        cfg.Content.Dir,
		BaseURL:    contentBaseURL(cfg),
		TTL:        cfg.Content.TTL.Std(),
		MaxEntries: cfg.Content.MaxEntries,
		Logger:     log.WithField("component", "content"),
	})
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, store.Close)

	if err := os.MkdirAll(filepath.Dir(cfg.HistoryDB), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	hist, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, func() { _ = hist.Close() })

	runner := session.NewRunner(session.Config{
		Registry:         reg,
		Slots:            callback.NewPool(callback.DefaultPoolSize, log),
		HandshakeTimeout: cfg.Timeouts.Handshake.Std(),
		AskTimeout:       cfg.Timeouts.Ask.Std(),
		AckTimeout:       cfg.Timeouts.Ack.Std(),
		Logger:           log.WithField("component", "session"),
	})

	srv := server.New(server.Config{
		Relay: relay.New(relay.Config{
			Peers:      reg,
			Content:    store,
			History:    hist,
			AckTimeout: cfg.Timeouts.Ack.Std(),
			Logger:     log.WithField("component", "relay"),
		}),
		Peers:            reg,
		Content:          store,
		Transfers:        hist,
		Sessions:         runner,
		Answerer:         rtc.NewAnswerer(cfg.STUNServers),
		AskTimeout:       cfg.Timeouts.Ask.Std(),
		HandshakeTimeout: cfg.Timeouts.Handshake.Std(),
		RateLimit:        server.RateLimit{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst},
		Logger:           log.WithField("component", "server"),
	})
	// Runs before the stores close: sessions unregister first.
	p.closers = append(p.closers, srv.Close)

	tlsConf, err := server.TLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}

	if cfg.LocalPeer.Enabled {
		local, err := registerLocal(cfg.LocalPeer, reg, log)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() { reg.Unregister(context.Background(), local) })
	}

	p.sup = suture.New("dropbridge", suture.Spec{
		EventHook: func(e suture.Event) {
			log.WithFields(logrus.Fields(e.Map())).Warn(e.String())
		},
	})
	p.http = server.NewHTTPService(cfg.Listen, srv, tlsConf, log.WithField("component", "http"))
	p.sup.Add(p.http)
	if cfg.QUICListen != "" {
		p.sup.Add(server.NewQUICService(cfg.QUICListen, runner, log.WithField("component", "quic")))
	}
	return p, nil
}

func newDiscovery(cfg config.Config, log *logrus.Logger) (discovery.Service, error) {
	if !cfg.Discovery.Enabled {
		return discovery.Nop{}, nil
	}

	var ifaces []net.Interface
	if cfg.Discovery.Interface != "" {
		iface, err := net.InterfaceByName(cfg.Discovery.Interface)
		if err != nil {
			return nil, fmt.Errorf("discovery interface: %w", err)
		}
		ifaces = append(ifaces, *iface)
	}

	z, err := discovery.NewZeroconf(discovery.ZeroconfConfig{
		IPs:        cfg.Discovery.AdvertiseIP,
		Interfaces: ifaces,
		Logger:     log.WithField("component", "discovery"),
	})
	if err != nil {
		return nil, err
	}
	return z, nil
}

func registerLocal(cfg config.LocalPeer, reg *registry.Registry, log *logrus.Logger) (*peer.Local, error) {
	accept := peer.AcceptAll
	if cfg.MaxBytes > 0 {
		accept = peer.MaxBytes(cfg.MaxBytes)
	}
	name := cfg.Name
	if name == "" {
		name, _ = os.Hostname()
	}

	local, err := peer.NewLocal(peer.LocalConfig{
		Name:     name,
		InboxDir: cfg.InboxDir,
		Accept:   accept,
		Logger:   log.WithField("component", "local"),
	})
	if err != nil {
		return nil, err
	}
	if err := reg.Register(context.Background(), local); err != nil {
		return nil, err
	}
	return local, nil
}

// contentBaseURL is where bridged peers fetch staged files from.
func contentBaseURL(cfg config.Config) string {
	if cfg.Content.BaseURL != "" {
		return cfg.Content.BaseURL
	}

	host := "localhost"
	if len(cfg.Discovery.AdvertiseIP) > 0 {
		host = cfg.Discovery.AdvertiseIP[0]
	} else if name, err := os.Hostname(); err == nil {
		host = name + ".local"
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port()))
}

func (p *proxy) Serve(ctx context.Context) error {
	p.log.Info("Starting dropbridge")
	err := p.sup.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases resources in reverse order of creation.
func (p *proxy) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}
