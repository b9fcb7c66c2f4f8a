// Package config holds the proxy configuration. Files are YAML; every field
// has a default so an empty file is valid.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration written as "30s" in files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type TLS struct {
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
}

type Discovery struct {
	Enabled     bool     `json:"enabled"`
	Interface   string   `json:"interface,omitempty"`
	AdvertiseIP []string `json:"advertiseIPs,omitempty"`
	Flags       uint16   `json:"flags,omitempty"`
}

type Timeouts struct {
	Handshake Duration `json:"handshake"`
	Ask       Duration `json:"ask"`
	Ack       Duration `json:"ack"`
}

type Content struct {
	Dir        string   `json:"dir"`
	TTL        Duration `json:"ttl"`
	MaxEntries int      `json:"maxEntries"`
	// BaseURL overrides the advertised content origin, for proxies behind
	// a reverse proxy.
	BaseURL string `json:"baseURL,omitempty"`
}

type RateLimit struct {
	PerSecond float64 `json:"perSecond"`
	Burst     int     `json:"burst"`
}

type LocalPeer struct {
	Enabled  bool   `json:"enabled"`
	Name     string `json:"name,omitempty"`
	InboxDir string `json:"inboxDir,omitempty"`
	MaxBytes int64  `json:"maxBytes,omitempty"`
}

type Config struct {
	Listen      string    `json:"listen"`
	QUICListen  string    `json:"quicListen"`
	TLS         TLS       `json:"tls"`
	Discovery   Discovery `json:"discovery"`
	Timeouts    Timeouts  `json:"timeouts"`
	Content     Content   `json:"content"`
	HistoryDB   string    `json:"historyDB"`
	RateLimit   RateLimit `json:"rateLimit"`
	STUNServers []string  `json:"stunServers,omitempty"`
	LocalPeer   LocalPeer `json:"localPeer"`
	LogLevel    string    `json:"logLevel"`
}

func Default() Config {
	dataDir := filepath.Join(os.TempDir(), "dropbridge")
	return Config{
		Listen:     ":8771",
		QUICListen: ":8772",
		Discovery: Discovery{
			Enabled: true,
		},
		Timeouts: Timeouts{
			Handshake: Duration(10 * time.Second),
			Ask:       Duration(60 * time.Second),
			Ack:       Duration(30 * time.Second),
		},
		Content: Content{
			Dir:        filepath.Join(dataDir, "staging"),
			TTL:        Duration(10 * time.Minute),
			MaxEntries: 1024,
		},
		HistoryDB:   filepath.Join(dataDir, "history.db"),
		STUNServers: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		RateLimit: RateLimit{
			PerSecond: 20,
			Burst:     40,
		},
		LogLevel: "info",
	}
}

// Load reads path on top of Default. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error

	for name, addr := range map[string]string{"listen": c.Listen, "quicListen": c.QUICListen} {
		if addr == "" {
			continue
		}
		if _, port, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid port %q", name, port))
		}
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen: required"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls: certFile and keyFile go together"))
	}
	if c.Timeouts.Handshake <= 0 || c.Timeouts.Ask <= 0 || c.Timeouts.Ack <= 0 {
		errs = append(errs, errors.New("timeouts: must be positive"))
	}
	if c.Content.Dir == "" {
		errs = append(errs, errors.New("content.dir: required"))
	}
	if c.Content.MaxEntries < 0 {
		errs = append(errs, errors.New("content.maxEntries: must not be negative"))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rateLimit: must not be negative"))
	}
	for _, ip := range c.Discovery.AdvertiseIP {
		if net.ParseIP(ip) == nil {
			errs = append(errs, fmt.Errorf("discovery.advertiseIPs: %q is not an IP", ip))
		}
	}
	if c.LocalPeer.Enabled && c.LocalPeer.InboxDir == "" {
		errs = append(errs, errors.New("localPeer.inboxDir: required when enabled"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}
	return errors.Join(errs...)
}

// Port returns the numeric port of Listen, which is what gets advertised.
func (c Config) Port() int {
	_, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
