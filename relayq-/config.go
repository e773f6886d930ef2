package relayq

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mjl-/sconf"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/smtp"
)

var pkglog = mlog.New("relayq", nil)

// ConfigStaticPath is set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static
	Log    map[string]slog.Level
}

// ConfigDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the directory of the config file.
func ConfigDirPath(f string) string {
	return configDirPath(ConfigStaticPath, f)
}

// DataDirPath returns to the path to "f". Either f itself when absolute, or
// interpreted relative to the data directory from the currently active
// configuration.
func DataDirPath(f string) string {
	return dataDirPath(ConfigStaticPath, Conf.Static.DataDir, f)
}

func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

func dataDirPath(configFile, dataDir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(configDirPath(configFile, dataDir), f)
}

// LoadEnv reads an optional .env file from the working directory, so
// RELAYQCONF and similar variables can be set without a shell profile.
// Existing environment variables are not overridden.
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		pkglog.Errorx("loading .env file", err)
	}
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	c, errs := ParseConfig(ctx, log, ConfigStaticPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	mlog.Logfmt = c.Static.Logfmt
	Conf = *c
	return nil
}

// ParseConfig parses the static config at path p. If checkOnly is set, no
// files are read other than the config file itself.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("RELAYQCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use relayq -config ... or set RELAYQCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed config, fills in defaults and parsed
// forms of fields.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{"": mlog.LevelInfo}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if hostname, err := dns.ParseDomain(c.Hostname); err != nil {
		addErrorf("parsing hostname: %s", err)
	} else if hostname.Name() != c.Hostname {
		addErrorf("hostname must be in unicode form %q instead of %q", hostname.Name(), c.Hostname)
	} else {
		c.HostnameDomain = hostname
	}

	if addr, err := smtp.ParseAddress(c.Postmaster); err != nil {
		addErrorf("parsing postmaster address: %v", err)
	} else {
		c.PostmasterPath = addr.Path()
	}

	q := &c.Queue
	checkNonNegative := func(name string, v int64) {
		if v < 0 {
			addErrorf("queue: %s must not be negative", name)
		}
	}
	checkNonNegative("MaxMails", int64(q.MaxMails))
	checkNonNegative("Workers", int64(q.Workers))
	checkNonNegative("MaxAttempts", int64(q.MaxAttempts))
	checkNonNegative("MaxPostpones", int64(q.MaxPostpones))
	checkNonNegative("TaskRetryDelay", int64(q.TaskRetryDelay))
	checkNonNegative("ErrorCeiling", int64(q.ErrorCeiling))
	checkNonNegative("MaxConns", int64(q.MaxConns))
	checkNonNegative("Cooldown", int64(q.Cooldown))
	checkNonNegative("ConnectionsPerMinute", int64(q.ConnectionsPerMinute))
	checkNonNegative("CommandTimeout", int64(q.CommandTimeout))
	for _, d := range q.RetryIntervals {
		if d <= 0 {
			addErrorf("queue: retry interval %v must be positive", d)
		}
	}
	for _, n := range q.DelayNotices {
		if n <= 0 {
			addErrorf("queue: delay notice attempt %d must be positive", n)
		}
	}
	FillQueueDefaults(q)
	for _, n := range q.DelayNotices {
		if n >= q.MaxAttempts {
			addErrorf("queue: delay notice at attempt %d never happens with %d max attempts", n, q.MaxAttempts)
		}
	}

	checkTransportDirect := func(name string, t *config.TransportDirect) {
		addTransportErrorf := func(format string, args ...any) {
			addErrorf("transport %s: %s", name, fmt.Sprintf(format, args...))
		}

		if t.DisableIPv4 && t.DisableIPv6 {
			addTransportErrorf("both IPv4 and IPv6 are disabled, enable at least one")
		}
		t.IPFamily = "ip"
		if t.DisableIPv4 {
			t.IPFamily = "ip6"
		}
		if t.DisableIPv6 {
			t.IPFamily = "ip4"
		}
	}

	checkTransportSmarthosts := func(name string, t *config.TransportSmarthosts) {
		if len(t.Hosts) == 0 {
			addErrorf("transport %s: at least one host required", name)
		}
		t.Parsed = nil
		for _, s := range t.Hosts {
			hp, err := ParseHostPort(s, config.Port(t.Port, config.DefaultSMTPPort))
			if err != nil {
				addErrorf("transport %s: %v", name, err)
				continue
			}
			t.Parsed = append(t.Parsed, hp)
		}
	}

	checkTransportUpstream := func(name string, t *config.TransportUpstream) {
		if len(t.Primary) == 0 {
			addErrorf("transport %s: at least one primary host required", name)
		}
		check := func(tier string, l []config.UpstreamHost) {
			for i := range l {
				h := &l[i]
				if h.Weight < 0 {
					addErrorf("transport %s: %s host %s: weight must not be negative", name, tier, h.Host)
				} else if h.Weight == 0 {
					h.Weight = 1
				}
				hp, err := ParseHostPort(h.Host, config.Port(h.Port, config.DefaultSMTPPort))
				if err != nil {
					addErrorf("transport %s: %s host: %v", name, tier, err)
					continue
				}
				h.Parsed = hp
			}
		}
		check("primary", t.Primary)
		check("backup", t.Backup)
	}

	for name, t := range c.Transports {
		n := 0
		if t.Direct != nil {
			n++
			checkTransportDirect(name, t.Direct)
		}
		if t.Smarthosts != nil {
			n++
			checkTransportSmarthosts(name, t.Smarthosts)
		}
		if t.Upstream != nil {
			n++
			checkTransportUpstream(name, t.Upstream)
		}
		if n != 1 {
			addErrorf("transport %s: must have exactly one method, not %d", name, n)
		}
	}

	parseRouteDomains := func(l []string) []string {
		var r []string
		for _, e := range l {
			if e == "." {
				r = append(r, e)
				continue
			}
			prefix := ""
			if strings.HasPrefix(e, ".") {
				prefix = "."
				e = e[1:]
			}
			d, err := dns.ParseDomain(e)
			if err != nil {
				addErrorf("routes: invalid domain %s: %v", e, err)
			}
			r = append(r, prefix+d.ASCII)
		}
		return r
	}
	for i := range c.Routes {
		c.Routes[i].FromDomainASCII = parseRouteDomains(c.Routes[i].FromDomain)
		c.Routes[i].ToDomainASCII = parseRouteDomains(c.Routes[i].ToDomain)
		var ok bool
		c.Routes[i].ResolvedTransport, ok = c.Transports[c.Routes[i].Transport]
		if !ok {
			addErrorf("routes: route references undefined transport %s", c.Routes[i].Transport)
		}
	}

	if c.AdminHTTP != nil {
		if c.AdminHTTP.Address == "" {
			c.AdminHTTP.Address = config.DefaultAdminHTTPAddress
		}
		if _, _, err := net.SplitHostPort(c.AdminHTTP.Address); err != nil {
			addErrorf("admin http: bad address %q: %v", c.AdminHTTP.Address, err)
		}
	}

	if s := c.DSNSigning; s != nil {
		if d, err := dns.ParseDomain(s.Domain); err != nil {
			addErrorf("dsn signing: bad domain: %v", err)
		} else {
			s.DNSDomain = d
		}
		if s.Selector == "" {
			addErrorf("dsn signing: selector required")
		}
		if len(s.HeaderKeys) == 0 {
			s.HeaderKeys = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type", "Auto-Submitted"}
		}
		if !checkOnly {
			key, err := loadPrivateKeyFile(configDirPath(configFile, s.PrivateKeyFile))
			if err != nil {
				addErrorf("dsn signing: %v", err)
			} else {
				s.Key = key
			}
		}
	}

	return errs
}

// FillQueueDefaults sets defaults for zero values.
func FillQueueDefaults(q *config.Queue) {
	if q.MaxMails == 0 {
		q.MaxMails = config.DefaultMaxMails
	}
	if q.Workers == 0 {
		q.Workers = config.DefaultWorkers
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = config.DefaultMaxAttempts
	}
	if len(q.RetryIntervals) == 0 {
		q.RetryIntervals = config.DefaultRetryIntervals
	}
	if q.DelayNotices == nil {
		q.DelayNotices = config.DefaultDelayNotices
	}
	if q.MaxPostpones == 0 {
		q.MaxPostpones = config.DefaultMaxPostpones
	}
	if q.TaskRetryDelay == 0 {
		q.TaskRetryDelay = config.DefaultTaskRetryDelay
	}
	if q.ErrorCeiling == 0 {
		q.ErrorCeiling = config.DefaultErrorCeiling
	}
	if q.MaxConns == 0 {
		q.MaxConns = config.DefaultMaxConns
	}
	if q.Cooldown == 0 {
		q.Cooldown = config.DefaultCooldown
	}
	if q.CommandTimeout == 0 {
		q.CommandTimeout = config.DefaultCommandTimeout
	}
}

// ParseHostPort parses a relay host, "host", "host:port", "ip", "[ipv6]:port".
func ParseHostPort(s string, defport int) (config.HostPort, error) {
	host := s
	port := defport
	if h, p, err := net.SplitHostPort(s); err == nil {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil || v == 0 {
			return config.HostPort{}, fmt.Errorf("bad port in %q", s)
		}
		host = h
		port = int(v)
	}
	if ip := net.ParseIP(host); ip != nil {
		return config.HostPort{Host: dns.IPDomain{IP: ip}, Port: port}, nil
	}
	d, err := dns.ParseDomain(host)
	if err != nil {
		return config.HostPort{}, fmt.Errorf("bad host %q: %v", s, err)
	}
	return config.HostPort{Host: dns.IPDomain{Domain: d}, Port: port}, nil
}

func loadPrivateKeyFile(keyPath string) (crypto.Signer, error) {
	keyBuf, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %v", err)
	}
	b, _ := pem.Decode(keyBuf)
	if b == nil {
		return nil, fmt.Errorf("no pem block in private key file %s", keyPath)
	}
	var privKey any
	switch b.Type {
	case "PRIVATE KEY":
		privKey, err = x509.ParsePKCS8PrivateKey(b.Bytes)
	case "RSA PRIVATE KEY":
		privKey, err = x509.ParsePKCS1PrivateKey(b.Bytes)
	case "EC PRIVATE KEY":
		privKey, err = x509.ParseECPrivateKey(b.Bytes)
	default:
		err = fmt.Errorf("unknown pem type %q", b.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	if k, ok := privKey.(crypto.Signer); ok {
		return k, nil
	}
	return nil, fmt.Errorf("parsed private key not a crypto.Signer, but %T", privKey)
}
