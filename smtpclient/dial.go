package smtpclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
)

// NetDialer is used to dial mail servers, an interface to facilitate testing.
type NetDialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// Dialer makes SMTP sessions to remote servers.
type Dialer struct {
	LocalName      dns.Domain    // For EHLO.
	ConnectTimeout time.Duration // Default 30s.
	CommandTimeout time.Duration // Per command, default 5m.
	NetDialer      NetDialer     // Default a net.Dialer.
}

// Dial connects to ip and port, and initializes an SMTP session: reading the
// greeting and sending EHLO. The host is used for logging and error messages.
func (d Dialer) Dial(ctx context.Context, log mlog.Log, host dns.IPDomain, ip net.IP, port int) (Session, error) {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	log = log.With(slog.Any("remote", host), slog.String("addr", addr))

	timeout := d.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dctx, dcancel := context.WithTimeout(ctx, timeout)
	defer dcancel()

	log.Debug("dialing host")
	var conn net.Conn
	var err error
	if d.NetDialer != nil {
		conn, err = d.NetDialer.DialContext(dctx, "tcp", addr)
	} else {
		var nd net.Dialer
		conn, err = nd.DialContext(dctx, "tcp", addr)
	}
	if err != nil {
		return nil, Error{Command: "dial", Err: fmt.Errorf("dialing %s: %w", addr, err)}
	}
	log.Debug("connected to host")

	// Reading the greeting has no command timeout in go-smtp.
	conn.SetDeadline(time.Now().Add(timeout))
	c, err := gosmtp.NewClient(conn, host.XString(false))
	if err != nil {
		conn.Close()
		// NewClient returns an SMTPError for a non-220 greeting.
		if serr, ok := err.(*gosmtp.SMTPError); ok {
			return nil, Error{
				Permanent: serr.Code/100 == 5,
				Code:      serr.Code,
				Command:   "greeting",
				Line:      fmt.Sprintf("%d %s", serr.Code, serr.Message),
				Err:       ErrStatus,
			}
		}
		return nil, Error{Command: "greeting", Err: err}
	}
	conn.SetDeadline(time.Time{})

	return New(ctx, log, c, host, d.LocalName, d.CommandTimeout)
}
