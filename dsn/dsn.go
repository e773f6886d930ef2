// Package dsn composes Delivery Status Notification messages, see RFC 3464 and
// RFC 6533, for failed and delayed deliveries from the queue.
package dsn

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/smtp"
)

// RFC5322Z is the date-time format used in header fields and delivery-status
// fields.
const RFC5322Z = "2 Jan 2006 15:04:05 -0700"

// Message represents a DSN message, with basic message headers, human-readable text,
// machine-parsable data, and optional original message headers.
type Message struct {
	SMTPUTF8 bool // Whether the original was sent with non-ASCII addresses.

	// DSN message From header. E.g. postmaster@ourdomain.example. DSNs are sent
	// with a null reverse path to prevent mail loops.
	From smtp.Path

	// "To" header, and also SMTP RCPT TO to deliver DSN to. Taken from the
	// original MAIL FROM.
	To smtp.Path

	Subject string

	// Set when message is composed.
	MessageID string

	// References header, with Message-ID of original message this DSN is about. So
	// mail user-agents will thread the DSN with the original message.
	References string

	// Human-readable text explaining the failure. Line endings should be
	// bare newlines, not \r\n. They are converted to \r\n when composing.
	TextBody string

	// Per-message fields.
	OriginalEnvelopeID string
	ReportingMTA       string // Required.
	ReceivedFromMTA    NameIP // Peer that submitted the original message.
	ArrivalDate        time.Time

	// One or more per-recipient fields.
	Recipients []Recipient

	// Original message or headers to include in DSN as third MIME part.
	// Optional. Only the header section is included.
	Original []byte
}

// Action is a field in a DSN.
type Action string

const (
	Failed    Action = "failed"
	Delayed   Action = "delayed"
	Delivered Action = "delivered"
	Relayed   Action = "relayed"
	Expanded  Action = "expanded"
)

// Recipient holds the per-recipient delivery-status lines in a DSN.
type Recipient struct {
	FinalRecipient smtp.Path
	Action         Action

	// Enhanced status code, e.g. "5.1.1". First digit indicates permanent or
	// temporary error. If the string contains more than just a status, that
	// additional text is added as comment.
	Status string

	// Original intended recipient of message, if different.
	OriginalRecipient smtp.Path

	// Remote host that returned an error code. Can also be empty, e.g. for
	// connection failures.
	RemoteMTA NameIP

	// If RemoteMTA is present, DiagnosticCode is from remote. Additional text in
	// the string after the code is added as comment.
	DiagnosticCode  string
	LastAttemptDate time.Time
	FinalLogID      string

	// For delayed deliveries, deliveries may be retried until this time.
	WillRetryUntil *time.Time
}

// fields builds a header in the order given, with field names kept as written,
// e.g. "Reporting-MTA". A textproto.Header writes fields in reverse order of
// adding.
type fields [][2]string

func (f *fields) add(k, v string) {
	*f = append(*f, [2]string{k, v})
}

func (f fields) header() textproto.Header {
	var h textproto.Header
	for i := len(f) - 1; i >= 0; i-- {
		v := strings.Join(strings.Fields(f[i][1]), " ")
		h.AddRaw([]byte(f[i][0] + ": " + v + "\r\n"))
	}
	return h
}

// Compose returns a DSN message.
//
// smtputf8 indicates whether the remote MTA that is receiving the DSN
// supports smtputf8. This influences the message media (sub)types used for the
// DSN.
//
// If signer is not nil, a DKIM signature is added. A signing failure is logged
// and the unsigned DSN returned.
func (m *Message) Compose(log mlog.Log, smtputf8 bool, signer *Signer) ([]byte, error) {
	// A multipart/report with 2 or 3 parts:
	// - 1. human-readable explanation;
	// - 2. message/delivery-status;
	// - 3. (optional) original message headers.

	if len(m.Recipients) == 0 {
		return nil, fmt.Errorf("missing per-recipient fields")
	}

	// If message does not require smtputf8, we are never generating a utf-8 DSN.
	if !m.SMTPUTF8 {
		smtputf8 = false
	}

	var buf bytes.Buffer
	mp := textproto.NewMultipartWriter(&buf)

	if m.MessageID == "" {
		host := m.ReportingMTA
		if host == "" {
			host = m.From.IPDomain.XString(false)
		}
		m.MessageID = uuid.NewString() + "@" + host
	}

	// Outer message headers. Fields are prepended, set them in reverse order.
	var h mail.Header
	h.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status", "boundary": mp.Boundary()})
	h.Set("MIME-Version", "1.0")
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("Date", time.Now().Format(RFC5322Z))
	if m.References != "" {
		h.Set("References", m.References)
	}
	h.SetMessageID(m.MessageID)
	h.SetSubject(m.Subject)
	h.Set("To", fmt.Sprintf("<%s>", m.To.XString(smtputf8)))
	h.Set("From", fmt.Sprintf("<%s>", m.From.XString(smtputf8)))
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return nil, fmt.Errorf("writing message header: %w", err)
	}

	// First part, human-readable message.
	var textHdr fields
	if smtputf8 {
		textHdr.add("Content-Type", "text/plain; charset=utf-8")
		textHdr.add("Content-Transfer-Encoding", "8BIT")
	} else {
		textHdr.add("Content-Type", "text/plain")
		textHdr.add("Content-Transfer-Encoding", "7BIT")
	}
	textp, err := mp.CreatePart(textHdr.header())
	if err != nil {
		return nil, err
	}
	if _, err := textp.Write([]byte(strings.ReplaceAll(m.TextBody, "\n", "\r\n"))); err != nil {
		return nil, err
	}

	// Machine-parsable message.
	var statusHdr fields
	if smtputf8 {
		statusHdr.add("Content-Type", "message/global-delivery-status")
		statusHdr.add("Content-Transfer-Encoding", "8BIT")
	} else {
		statusHdr.add("Content-Type", "message/delivery-status")
		statusHdr.add("Content-Transfer-Encoding", "7BIT")
	}
	statusp, err := mp.CreatePart(statusHdr.header())
	if err != nil {
		return nil, err
	}

	// Per-message fields first, each block is written as a header section.
	var msgf fields
	if m.OriginalEnvelopeID != "" {
		msgf.add("Original-Envelope-ID", m.OriginalEnvelopeID)
	}
	msgf.add("Reporting-MTA", "dns; "+m.ReportingMTA)
	if !m.ReceivedFromMTA.IsZero() {
		msgf.add("Received-From-MTA", "dns; "+m.ReceivedFromMTA.String())
	}
	if !m.ArrivalDate.IsZero() {
		msgf.add("Arrival-Date", m.ArrivalDate.Format(RFC5322Z))
	}
	if err := writeBlock(statusp, msgf); err != nil {
		return nil, err
	}

	addrType := "rfc822;"
	if smtputf8 {
		addrType = "utf-8;"
	}
	for _, r := range m.Recipients {
		var rf fields
		if !r.OriginalRecipient.IsZero() {
			rf.add("Original-Recipient", addrType+r.OriginalRecipient.DSNString(smtputf8))
		}
		rf.add("Final-Recipient", addrType+r.FinalRecipient.DSNString(smtputf8))
		rf.add("Action", string(r.Action))
		st := r.Status
		if st == "" {
			// The field is required.
			switch r.Action {
			case Delayed:
				st = "4.0.0"
			case Failed:
				st = "5.0.0"
			default:
				st = "2.0.0"
			}
		}
		var rest string
		st, rest = codeLine(st)
		statusLine := st
		if rest != "" {
			statusLine += " (" + rest + ")"
		}
		rf.add("Status", statusLine)
		if !r.RemoteMTA.IsZero() {
			rf.add("Remote-MTA", "dns; "+r.RemoteMTA.String())
		}
		// Presence of Diagnostic-Code indicates the code is from Remote-MTA.
		if r.DiagnosticCode != "" {
			rf.add("Diagnostic-Code", "smtp; "+r.DiagnosticCode)
		}
		if !r.LastAttemptDate.IsZero() {
			rf.add("Last-Attempt-Date", r.LastAttemptDate.Format(RFC5322Z))
		}
		if r.FinalLogID != "" {
			rf.add("Final-Log-ID", r.FinalLogID)
		}
		if r.WillRetryUntil != nil {
			rf.add("Will-Retry-Until", r.WillRetryUntil.Format(RFC5322Z))
		}
		if err := writeBlock(statusp, rf); err != nil {
			return nil, err
		}
	}

	// We include only the header of the original message.
	if m.Original != nil {
		if err := m.writeOriginal(mp, smtputf8); err != nil {
			log.Debugx("original message header not included in dsn", err)
		}
	}

	if err := mp.Close(); err != nil {
		return nil, err
	}

	data := buf.Bytes()
	if signer != nil {
		if signed, err := signer.Sign(data); err != nil {
			log.Errorx("dkim sign for dsn, returning unsigned dsn", err, slog.Any("domain", signer.Domain))
		} else {
			data = signed
		}
	}
	return data, nil
}

func writeBlock(w io.Writer, f fields) error {
	if err := textproto.WriteHeader(w, f.header()); err != nil {
		return fmt.Errorf("writing delivery-status fields: %w", err)
	}
	return nil
}

func (m *Message) writeOriginal(mp *textproto.MultipartWriter, smtputf8 bool) error {
	oh, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Original)))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading original header: %w", err)
	}
	var hbuf bytes.Buffer
	if err := textproto.WriteHeader(&hbuf, oh); err != nil {
		return fmt.Errorf("writing original header: %w", err)
	}
	headers := hbuf.Bytes()

	var origHdr fields
	if smtputf8 {
		origHdr.add("Content-Type", "message/global-headers")
		origHdr.add("Content-Transfer-Encoding", "8BIT")
	} else if m.SMTPUTF8 {
		origHdr.add("Content-Type", "text/rfc822-headers; charset=utf-8")
		origHdr.add("Content-Transfer-Encoding", "BASE64")
	} else {
		origHdr.add("Content-Type", "text/rfc822-headers")
		origHdr.add("Content-Transfer-Encoding", "7BIT")
	}
	origp, err := mp.CreatePart(origHdr.header())
	if err != nil {
		return err
	}

	if !smtputf8 && m.SMTPUTF8 {
		data := base64.StdEncoding.EncodeToString(headers)
		for len(data) > 0 {
			n := len(data)
			if n > 76 {
				n = 76
			}
			if _, err := origp.Write([]byte(data[:n] + "\r\n")); err != nil {
				return err
			}
			data = data[n:]
		}
		return nil
	}
	_, err = origp.Write(headers)
	return err
}

// split a line into enhanced status code and rest.
func codeLine(s string) (string, string) {
	code, rest, _ := strings.Cut(s, " ")
	if !HasCode(code) {
		return "", s
	}
	return code, rest
}

// HasCode returns whether line starts with an enhanced SMTP status code.
func HasCode(line string) bool {
	code, _, _ := strings.Cut(line, " ")
	t := strings.Split(code, ".")
	if len(t) != 3 || len(t[0]) != 1 {
		return false
	}
	for _, e := range t {
		if e == "" || len(e) > 3 {
			return false
		}
		for _, c := range e {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
