package config

import (
	"crypto"
	"time"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/smtp"
)

// Defaults for the queue, used for zero values in the config file.
const (
	DefaultWorkers          = 10
	DefaultMaxMails         = 100000
	DefaultMaxAttempts      = 8
	DefaultMaxPostpones     = 3
	DefaultTaskRetryDelay   = 5 * time.Minute
	DefaultErrorCeiling     = 24 * time.Hour
	DefaultMaxConns         = 2
	DefaultCooldown         = time.Minute
	DefaultCommandTimeout   = 5 * time.Minute
	DefaultSMTPPort         = 25
	DefaultAdminHTTPAddress = "127.0.0.1:1080"
)

// DefaultRetryIntervals is the retry table used when none is configured. The
// interval for the n-th attempt is at index n-1, the last interval repeats.
var DefaultRetryIntervals = []time.Duration{
	7*time.Minute + 30*time.Second,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	4 * time.Hour,
	8 * time.Hour,
	16 * time.Hour,
}

// DefaultDelayNotices are the attempt numbers after which a delay notice is sent.
var DefaultDelayNotices = []int{5}

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is a parsed form of the relayq.conf configuration file.
type Static struct {
	DataDir          string               `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the queue with its error area, and the delivery history database. If this is a relative path, it is relative to the directory of relayq.conf."`
	LogLevel         string               `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts of outgoing connections, tracedata also the message data."`
	PackageLogLevels map[string]string    `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, smtpclient, dns, dsn, ratelimit, webqueue)."`
	Logfmt           bool                 `sconf:"optional" sconf-doc:"Write log lines in logfmt instead of the default human-readable format."`
	Hostname         string               `sconf-doc:"Full hostname of system, e.g. mail.<domain>. Used in EHLO and as reporting MTA in delivery status notifications."`
	HostnameDomain   dns.Domain           `sconf:"-" json:"-"`
	Postmaster       string               `sconf-doc:"Address that delivery status notifications are sent from, and that is mentioned in them as contact, e.g. postmaster@<hostname>."`
	PostmasterPath   smtp.Path            `sconf:"-" json:"-"`
	Queue            Queue                `sconf:"optional" sconf-doc:"Settings for the outgoing queue. All zero values get a reasonable default."`
	Transports       map[string]Transport `sconf:"optional" sconf-doc:"Transports are mechanisms for delivering messages. Transports are referenced from Routes. There is always an implicit/fallback transport doing direct delivery by looking up MX records of the recipient domain. Exactly one transport method must be set in a transport."`
	Routes           []Route              `sconf:"optional" sconf-doc:"Routes for delivering outgoing messages through the queue. The transport of the first matching route is used for a delivery attempt. If no routes match, which is the default with no configured routes, messages are delivered directly."`
	AdminHTTP        *AdminHTTP           `sconf:"optional" sconf-doc:"HTTP listener for administration: a JSON API for inspecting and managing the queue at /api/, and prometheus metrics at /metrics. Do not expose publicly, /metrics is served without authentication."`
	DSNSigning       *DSNSigning          `sconf:"optional" sconf-doc:"If set, delivery status notifications are DKIM-signed with this key."`
}

// Queue holds the tunables of the outgoing queue.
type Queue struct {
	MaxMails             int             `sconf:"optional" sconf-doc:"Maximum number of mails in the queue. New mails are refused when the queue is full. Default 100000."`
	Workers              int             `sconf:"optional" sconf-doc:"Number of concurrent delivery attempts. Default 10."`
	MaxAttempts          int             `sconf:"optional" sconf-doc:"Number of delivery attempts after which a still failing recipient is treated as permanently failed. Default 8."`
	RetryIntervals       []time.Duration `sconf:"optional" sconf-doc:"Time to wait after a failed delivery attempt before the next attempt. The interval for the n-th attempt is the n-th value, the last value is used for all later attempts. Default: 7m30s, 15m, 30m, 1h, 2h, 4h, 8h, 16h."`
	DelayNotices         []int           `sconf:"optional" sconf-doc:"Attempt numbers after which a delay notification is sent to the sender for recipients that are still being retried. Default: 5."`
	MaxPostpones         int             `sconf:"optional" sconf-doc:"Maximum number of consecutive postponements of a mail because the destination is busy or cooling down after a failure. After this, the mail is treated as permanently failed. Default 3."`
	TaskRetryDelay       time.Duration   `sconf:"optional" sconf-doc:"Time before retrying a mail after a local failure, e.g. when a bounce could not be stored. Default 5m."`
	ErrorCeiling         time.Duration   `sconf:"optional" sconf-doc:"Maximum time a mail keeps failing locally before it is moved to the error area. Default 24h."`
	MaxConns             int             `sconf:"optional" sconf-doc:"Maximum concurrent connections to a single destination host. Additional attempts are postponed. Default 2."`
	Cooldown             time.Duration   `sconf:"optional" sconf-doc:"Time after a failed connection to a destination during which new attempts to that destination are postponed. Default 1m."`
	ConnectionsPerMinute int             `sconf:"optional" sconf-doc:"If non-zero, maximum number of connections per minute to a single destination. Additional attempts are postponed."`
	CommandTimeout       time.Duration   `sconf:"optional" sconf-doc:"Timeout for individual SMTP commands. Default 5m."`
}

// Transport is a delivery method. Exactly one field must be set.
type Transport struct {
	Direct     *TransportDirect     `sconf:"optional" sconf-doc:"Direct delivery to the MX hosts of the recipient domain, with tweaks for outgoing connections."`
	Smarthosts *TransportSmarthosts `sconf:"optional" sconf-doc:"Relay through a fixed list of hosts, tried in order."`
	Upstream   *TransportUpstream   `sconf:"optional" sconf-doc:"Relay through a weighted pool of hosts. Primary hosts are tried first in random order weighted by their weight, backup hosts after all primary hosts have failed."`
}

type TransportDirect struct {
	DisableIPv4 bool `sconf:"optional" sconf-doc:"If set, outgoing SMTP connections will *NOT* use IPv4 addresses to connect to remote SMTP servers."`
	DisableIPv6 bool `sconf:"optional" sconf-doc:"If set, outgoing SMTP connections will *NOT* use IPv6 addresses to connect to remote SMTP servers."`

	IPFamily string `sconf:"-" json:"-"`
}

type TransportSmarthosts struct {
	Hosts []string `sconf-doc:"Hosts to relay through, in order of preference. Each is a host name or IP address, optionally followed by a colon and port."`
	Port  int      `sconf:"optional" sconf-doc:"Port for hosts without explicit port. Default 25."`

	Parsed []HostPort `sconf:"-" json:"-"`
}

type TransportUpstream struct {
	Primary []UpstreamHost `sconf-doc:"Hosts tried first."`
	Backup  []UpstreamHost `sconf:"optional" sconf-doc:"Hosts tried only after all primary hosts failed or were postponed."`
}

type UpstreamHost struct {
	Host   string `sconf-doc:"Host name or IP address."`
	Port   int    `sconf:"optional" sconf-doc:"Default 25."`
	Weight int    `sconf:"optional" sconf-doc:"Relative weight for the random ordering within a tier. Default 1."`

	Parsed HostPort `sconf:"-" json:"-"`
}

// HostPort is a parsed relay host.
type HostPort struct {
	Host dns.IPDomain
	Port int
}

// Route selects a transport for a mail.
type Route struct {
	FromDomain      []string `sconf:"optional" sconf-doc:"Matches if the envelope from domain matches one of the configured domains, or if the list is empty. If a domain starts with a dot, subdomains of the domain also match."`
	ToDomain        []string `sconf:"optional" sconf-doc:"Like FromDomain, but matching against the envelope to domain."`
	MinimumAttempts int      `sconf:"optional" sconf-doc:"Matches if at least this many deliveries have already been attempted. This can be used to attempt sending through a smarthost when direct delivery has failed for several times."`
	Transport       string   `sconf-doc:"The transport used for delivering the message that matches requirements of the above fields."`

	FromDomainASCII   []string  `sconf:"-"`
	ToDomainASCII     []string  `sconf:"-"`
	ResolvedTransport Transport `sconf:"-" json:"-"`
}

type AdminHTTP struct {
	Address      string `sconf:"optional" sconf-doc:"Address to listen on, host:port. Default 127.0.0.1:1080."`
	PasswordFile string `sconf:"optional" sconf-doc:"File with a bcrypt hash of the password for the API at /api/, for HTTP basic authentication with any username. Relative to the directory of the config file. If empty, the API is not available, only /metrics."`
}

type DSNSigning struct {
	Domain         string   `sconf-doc:"Domain to sign for, typically the domain of the postmaster address."`
	Selector       string   `sconf-doc:"DKIM selector, the public key must be published at <selector>._domainkey.<domain>."`
	PrivateKeyFile string   `sconf-doc:"File with PEM-encoded private key, PKCS#8 or PKCS#1 for RSA, SEC1 for ECDSA. Ed25519 keys must be PKCS#8. Relative to the directory of the config file."`
	HeaderKeys     []string `sconf:"optional" sconf-doc:"Header fields to sign. Default: From, To, Subject, Date, Message-ID, MIME-Version, Content-Type, Auto-Submitted."`

	DNSDomain dns.Domain    `sconf:"-" json:"-"`
	Key       crypto.Signer `sconf:"-" json:"-"`
}
