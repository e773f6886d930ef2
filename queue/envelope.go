package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/mjl-/relayq/smtp"
)

// The envelope of a stored mail is in a .properties file, as header fields
// like a message header:
//
//	Version: 1
//	Log-Id: 2d0b3b4e-...
//	Sender: <mjl@example.org>
//	Recipient: <a@example.com>
//	Recipient: <b@example.com>
//	Arrival: 2024-03-01T12:00:00.123456789Z
//	Schedule: 2024-03-01T12:07:30Z
//	Attempts: 1
//	Postpones: 0
//	Size: 1234
//	Digest: blake2b-256:...
//	Peer-Name: submit.example.org
//	Peer-Ip: 10.0.0.1
//	Last-Error: 451 4.2.0 try again later
const envelopeVersion = "1"

// fields collects header fields in order. A textproto.Header writes fields in
// reverse order of adding.
type fields [][2]string

func (f *fields) add(k, v string) {
	*f = append(*f, [2]string{k, v})
}

func (f fields) header() textproto.Header {
	var h textproto.Header
	for i := len(f) - 1; i >= 0; i-- {
		h.Add(f[i][0], f[i][1])
	}
	return h
}

func formatPath(p smtp.Path) string {
	return "<" + p.XString(true) + ">"
}

// oneLine makes s fit in a header field value.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func marshalEnvelope(m *Mail) ([]byte, error) {
	var f fields
	f.add("Version", envelopeVersion)
	if m.LogID != "" {
		f.add("Log-Id", m.LogID)
	}
	f.add("Sender", formatPath(m.Sender))
	for _, r := range m.Recipients {
		f.add("Recipient", formatPath(r))
	}
	f.add("Arrival", m.Arrival.UTC().Format(time.RFC3339Nano))
	f.add("Schedule", m.Schedule.UTC().Format(time.RFC3339Nano))
	f.add("Attempts", strconv.Itoa(m.Attempts))
	f.add("Postpones", strconv.Itoa(m.Postpones))
	f.add("Size", strconv.FormatInt(m.Size, 10))
	if m.Digest != "" {
		f.add("Digest", m.Digest)
	}
	if m.Peer.Name != "" {
		f.add("Peer-Name", oneLine(m.Peer.Name))
	}
	if m.Peer.IP != nil {
		f.add("Peer-Ip", m.Peer.IP.String())
	}
	if m.LastError != "" {
		f.add("Last-Error", oneLine(m.LastError))
	}

	var b bytes.Buffer
	if err := textproto.WriteHeader(&b, f.header()); err != nil {
		return nil, fmt.Errorf("writing envelope: %w", err)
	}
	return b.Bytes(), nil
}

func parseEnvelope(r io.Reader) (*Mail, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading envelope: %w", err)
	}
	if v := h.Get("Version"); v != envelopeVersion {
		return nil, fmt.Errorf("unknown envelope version %q", v)
	}

	m := &Mail{
		LogID:     h.Get("Log-Id"),
		Digest:    h.Get("Digest"),
		LastError: h.Get("Last-Error"),
	}
	m.Sender, err = smtp.ParsePath(h.Get("Sender"))
	if err != nil {
		return nil, fmt.Errorf("parsing sender: %w", err)
	}
	for _, s := range h.Values("Recipient") {
		p, err := smtp.ParsePath(s)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient: %w", err)
		}
		if p.IsZero() {
			return nil, fmt.Errorf("empty recipient")
		}
		m.Recipients = append(m.Recipients, p)
	}
	if len(m.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	parseTime := func(k string) (time.Time, error) {
		t, err := time.Parse(time.RFC3339Nano, h.Get(k))
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing %s: %w", strings.ToLower(k), err)
		}
		return t, nil
	}
	parseInt := func(k string) (int64, error) {
		v, err := strconv.ParseInt(h.Get(k), 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("bad %s %q", strings.ToLower(k), h.Get(k))
		}
		return v, nil
	}
	if m.Arrival, err = parseTime("Arrival"); err != nil {
		return nil, err
	}
	if m.Schedule, err = parseTime("Schedule"); err != nil {
		return nil, err
	}
	var n int64
	if n, err = parseInt("Attempts"); err != nil {
		return nil, err
	}
	m.Attempts = int(n)
	if n, err = parseInt("Postpones"); err != nil {
		return nil, err
	}
	m.Postpones = int(n)
	if m.Size, err = parseInt("Size"); err != nil {
		return nil, err
	}

	m.Peer.Name = h.Get("Peer-Name")
	if s := h.Get("Peer-Ip"); s != "" {
		m.Peer.IP = net.ParseIP(s)
		if m.Peer.IP == nil {
			return nil, fmt.Errorf("bad peer ip %q", s)
		}
	}
	return m, nil
}
