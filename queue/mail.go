package queue

import (
	"bytes"
	"io"
	"net"
	"os"
	"slices"
	"time"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/dsn"
	"github.com/mjl-/relayq/smtp"
)

// Content is the message data of a mail. It can be opened multiple times, each
// time reading from the start.
type Content interface {
	Open() (io.ReadCloser, error)
}

// FileContent is message data in a file, typically the .eml file of a stored
// mail.
type FileContent string

func (p FileContent) Open() (io.ReadCloser, error) {
	return os.Open(string(p))
}

// BytesContent is message data held in memory, e.g. for composed DSNs.
type BytesContent []byte

func (b BytesContent) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Peer is the remote that submitted a mail, for diagnostics in DSNs and logs.
type Peer struct {
	Name string
	IP   net.IP
}

func (p Peer) IsZero() bool {
	return p.Name == "" && p.IP == nil
}

// Mail is a message with its envelope, the unit of work of the queue.
//
// A Mail is owned by a single goroutine at a time. Functions that change the
// recipients or fan out a mail work on a Copy.
type Mail struct {
	Name MailName // Zero until stored.

	Sender     smtp.Path // Zero for the null reverse path, e.g. for DSNs.
	Recipients []smtp.Path
	Content    Content
	Size       int64 // Set when stored.
	Digest     string

	Arrival   time.Time
	Schedule  time.Time // Time for next delivery attempt.
	Attempts  int       // Completed delivery attempts, excluding postpones.
	Postpones int       // Consecutive postponed attempts since the last real attempt.

	Peer      Peer
	LogID     string // For correlating log lines across requeues and DSNs.
	LastError string
}

// Copy returns a copy of m with its own recipient list. The content is shared,
// it is read-only.
func (m *Mail) Copy() *Mail {
	nm := *m
	nm.Recipients = slices.Clone(m.Recipients)
	nm.Peer.IP = slices.Clone(m.Peer.IP)
	return &nm
}

// Domain returns the domain or IP of the first recipient. The queue only
// stores mails with recipients in a single domain.
func (m *Mail) Domain() dns.IPDomain {
	if len(m.Recipients) == 0 {
		return dns.IPDomain{}
	}
	return m.Recipients[0].IPDomain
}

// SMTPUTF8 returns whether the envelope has non-ASCII addresses, requiring the
// SMTPUTF8 extension for delivery.
func (m *Mail) SMTPUTF8() bool {
	if pathUTF8(m.Sender) {
		return true
	}
	for _, r := range m.Recipients {
		if pathUTF8(r) {
			return true
		}
	}
	return false
}

func pathUTF8(p smtp.Path) bool {
	return p.Localpart.IsInternational() || p.IPDomain.Domain.Unicode != ""
}

// RemoteMTA is a delivery target, a host name or IP, with the IP address dialed
// once known.
type RemoteMTA struct {
	Host dns.IPDomain
	IP   net.IP
}

func (r RemoteMTA) IsZero() bool {
	return r.Host.IsZero() && r.IP == nil
}

func (r RemoteMTA) String() string {
	s := r.Host.String()
	if r.IP != nil && !r.Host.IsIP() {
		s += "/" + r.IP.String()
	}
	return s
}

// NameIP returns the remote for use in a DSN.
func (r RemoteMTA) NameIP() dsn.NameIP {
	if r.Host.IsIP() {
		return dsn.NameIP{IP: r.Host.IP}
	}
	return dsn.NameIP{Name: r.Host.XString(false), IP: r.IP}
}

// Rejection is a recipient refused by a remote server.
type Rejection struct {
	Recipient smtp.Path
	Status    smtp.Status
}

// AttemptResult is the outcome of a delivery attempt on which the message
// data was sent. Rejected recipients were refused while others were accepted.
type AttemptResult struct {
	Accepted []smtp.Path
	Rejected []Rejection
	Remote   RemoteMTA
}
