package queue

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/dsn"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/smtp"
)

var metricDSN = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relayq_queue_dsn_total",
		Help: "Delivery status notifications composed, per action.",
	},
	[]string{
		"action", // failed, delayed, mixed
	},
)

// Only this much of the original message is read for including its header in
// a DSN.
const maxOriginalHeader = 256 * 1024

// Report is the outcome for a recipient to include in a DSN.
type Report struct {
	Recipient  smtp.Path
	Action     dsn.Action // dsn.Failed or dsn.Delayed.
	Status     smtp.Status
	Remote     RemoteMTA
	RetryUntil time.Time // For dsn.Delayed.
}

// DSNBuilder creates delivery status notification mails.
type DSNBuilder struct {
	Hostname   dns.Domain // Reporting MTA.
	Postmaster smtp.Path  // From address of DSNs.
	Signer     *dsn.Signer
}

// Create returns a new mail to the sender of m, with the null reverse path,
// that reports the outcome for the recipients in reports.
func (b *DSNBuilder) Create(log mlog.Log, m *Mail, reports []Report, now time.Time) (*Mail, error) {
	if m.Sender.IsZero() {
		return nil, fmt.Errorf("no dsn for mail with null sender")
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("no reports for dsn")
	}

	original, msgID := b.originalHeader(log, m)
	smtputf8 := m.SMTPUTF8()

	var failed, delayed []Report
	for _, r := range reports {
		if r.Action == dsn.Failed {
			failed = append(failed, r)
		} else {
			delayed = append(delayed, r)
		}
	}
	subject := "mail delivery failed"
	kind := "failed"
	switch {
	case len(failed) == 0:
		subject = "mail delivery delayed"
		kind = "delayed"
	case len(delayed) > 0:
		kind = "mixed"
	}

	var text strings.Builder
	if len(failed) > 0 {
		text.WriteString("\nDelivery has failed permanently for your email to:\n\n")
		writeReports(&text, failed, smtputf8)
		text.WriteString("No further deliveries will be attempted to these recipients.\n")
	}
	if len(delayed) > 0 {
		text.WriteString("\nDelivery has been delayed of your email to:\n\n")
		writeReports(&text, delayed, smtputf8)
		fmt.Fprintf(&text, "Delivery will be attempted until %s. If all attempts fail, you will receive a notice.\n", delayed[0].RetryUntil.UTC().Format(dsn.RFC5322Z))
	}

	msg := &dsn.Message{
		SMTPUTF8:     smtputf8,
		From:         b.Postmaster,
		To:           m.Sender,
		Subject:      subject,
		References:   msgID,
		TextBody:     text.String(),
		ReportingMTA: b.Hostname.ASCII,
		ArrivalDate:  m.Arrival,
		Original:     original,
	}
	if !m.Peer.IsZero() {
		msg.ReceivedFromMTA = dsn.NameIP{Name: m.Peer.Name, IP: m.Peer.IP}
	}
	for _, r := range reports {
		dr := dsn.Recipient{
			FinalRecipient:  r.Recipient,
			Action:          r.Action,
			Status:          r.Status.Enhanced() + " " + r.Status.Text,
			RemoteMTA:       r.Remote.NameIP(),
			LastAttemptDate: now,
			FinalLogID:      m.LogID,
		}
		// Diagnostic-Code is only for responses from the remote.
		if !r.Remote.IsZero() && r.Status.Code != 0 {
			dr.DiagnosticCode = r.Status.String()
		}
		if r.Action == dsn.Delayed {
			t := r.RetryUntil
			dr.WillRetryUntil = &t
		}
		msg.Recipients = append(msg.Recipients, dr)
	}

	// Receivers of our DSNs are typically the submitters of the original, they
	// supported smtputf8 for it.
	buf, err := msg.Compose(log, smtputf8, b.Signer)
	if err != nil {
		return nil, fmt.Errorf("composing dsn: %w", err)
	}
	metricDSN.WithLabelValues(kind).Inc()

	return &Mail{
		Recipients: []smtp.Path{m.Sender},
		Content:    BytesContent(buf),
		Size:       int64(len(buf)),
		Arrival:    now,
		Schedule:   now,
		LogID:      newLogID(),
	}, nil
}

func writeReports(w *strings.Builder, reports []Report, smtputf8 bool) {
	for _, r := range reports {
		fmt.Fprintf(w, "\t%s\n", r.Recipient.XString(smtputf8))
	}
	w.WriteString("\nError during the last delivery attempt:\n\n")
	for _, r := range reports {
		fmt.Fprintf(w, "\t%s: %s\n", r.Recipient.XString(smtputf8), r.Status)
	}
	w.WriteString("\n")
}

// originalHeader reads the header section of the content of m, and its
// Message-ID.
func (b *DSNBuilder) originalHeader(log mlog.Log, m *Mail) ([]byte, string) {
	if m.Content == nil {
		return nil, ""
	}
	r, err := m.Content.Open()
	if err != nil {
		log.Infox("opening original message for dsn", err)
		return nil, ""
	}
	defer func() {
		err := r.Close()
		log.Check(err, "closing original message")
	}()
	buf, err := io.ReadAll(io.LimitReader(r, maxOriginalHeader))
	if err != nil {
		log.Infox("reading original message for dsn", err)
		return nil, ""
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil && err != io.EOF {
		log.Debugx("parsing header of original message for dsn", err, slog.String("logid", m.LogID))
		return nil, ""
	}
	return buf, h.Get("Message-Id")
}
