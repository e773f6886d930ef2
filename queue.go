package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/relayq/metrics"
	"github.com/mjl-/relayq/queue"
	"github.com/mjl-/relayq/relayq-"
	"github.com/mjl-/relayq/smtp"
	"github.com/mjl-/relayq/webqueue"
)

func xparseName(s string) queue.MailName {
	name, err := queue.ParseMailName(s)
	xcheckf(err, "parsing mail name %q", s)
	return name
}

func printMails(l []webqueue.Mail) {
	if len(l) == 0 {
		fmt.Println("(empty)")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "name\tsender\trecipients\tsize\tattempts\tschedule\tlast error")
	for _, m := range l {
		sender := m.Sender
		if sender == "" {
			sender = "<>"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", m.Name, sender, strings.Join(m.Recipients, ","), m.Size, m.Attempts, m.Schedule.Format(time.RFC3339), m.LastError)
	}
	err := tw.Flush()
	xcheckf(err, "write")
}

// listMails reads mails from the queue directory, which can be done while the
// server is running.
func listMails(c *cmd, errorArea bool) {
	var asJSON bool
	c.flag.BoolVar(&asJSON, "json", false, "print as json")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	q := xopenQueue(context.Background(), c.log, false)
	var ml []*queue.Mail
	var err error
	if errorArea {
		ml, err = q.ListErrors()
	} else {
		ml, err = q.List()
	}
	xcheckf(err, "listing mails")
	l := make([]webqueue.Mail, len(ml))
	for i, m := range ml {
		l[i] = webqueue.MailFromQueue(m)
	}
	if asJSON {
		printJSON("", l)
	} else {
		printMails(l)
	}
}

func cmdQueueList(c *cmd) {
	c.params = "[-json]"
	c.help = `List mails in the queue.

Prints the name of each mail, its envelope, the number of delivery attempts, the
time of the next attempt and the last error. Mails are ordered by the time of
their next delivery attempt.
`
	listMails(c, false)
}

func cmdQueueErrors(c *cmd) {
	c.params = "[-json]"
	c.help = `List mails in the error area.

Mails end up in the error area when they cannot be handled, e.g. when a delivery
status notification could not be stored for a long time, or when moved there
with "relayq queue fail". Use "relayq queue retry" to move a mail back into the
queue.
`
	listMails(c, true)
}

func cmdQueueHistory(c *cmd) {
	c.params = "[-logid logid] [-limit n] [-json]"
	c.help = `List finished deliveries, newest first.

The history database is locked by a running server, this command fails while
relayq is running. Use the admin API instead.
`
	var logID string
	var limit int
	var asJSON bool
	c.flag.StringVar(&logID, "logid", "", "only records for this log-id, the log-id is kept across requeues and included in log lines")
	c.flag.IntVar(&limit, "limit", 100, "maximum number of records, 0 for all")
	c.flag.BoolVar(&asJSON, "json", false, "print as json")
	if len(c.Parse()) != 0 || limit < 0 {
		c.Usage()
	}
	mustLoadConfig()

	ctx := context.Background()
	h, err := queue.OpenHistory(ctx, relayq.DataDirPath("history.db"))
	xcheckf(err, "opening history database (is relayq running?)")
	defer func() {
		err := h.Close()
		c.log.Check(err, "closing history database")
	}()
	l, err := h.List(ctx, logID, limit)
	xcheckf(err, "listing history")
	if asJSON {
		printJSON("", l)
		return
	}
	if len(l) == 0 {
		fmt.Println("(empty)")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "time\tname\tlogid\tresult\trecipients\tattempts\tremote\tlast error")
	for _, r := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n", r.Time.Format(time.RFC3339), r.Name, r.LogID, r.Result, strings.Join(r.Recipients, ","), r.Attempts, r.Remote, r.LastError)
	}
	err = tw.Flush()
	xcheckf(err, "write")
}

// crlf converts bare newlines to CRLF.
func crlf(buf []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(buf) + len(buf)/40)
	for i, c := range buf {
		if c == '\n' && (i == 0 || buf[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
	}
	return b.Bytes()
}

func cmdQueueAdd(c *cmd) {
	c.params = "[-from address] [-delay duration] recipient ... <message"
	c.help = `Add a message read from stdin to the queue.

The message is stored in the queue directory, one mail per recipient domain.
Bare newlines in the message are converted to CRLF. The names of the stored
mails are printed.

A running server does not notice new mails in the queue directory, use "relayq
queue kick" to schedule them, or they are scheduled when relayq is started.
`
	var from string
	var delay time.Duration
	c.flag.StringVar(&from, "from", "", "envelope sender, empty for the null sender")
	c.flag.DurationVar(&delay, "delay", 0, "schedule first delivery attempt after delay")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	mustLoadConfig()

	sender, err := smtp.ParsePath(from)
	xcheckf(err, "parsing sender")
	var rcpts []smtp.Path
	for _, s := range args {
		p, err := smtp.ParsePath(s)
		xcheckf(err, "parsing recipient %q", s)
		if p.IsZero() {
			log.Fatalf("recipient must not be the null path")
		}
		rcpts = append(rcpts, p)
	}
	buf, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message from stdin")

	ctx := context.Background()
	q := xopenQueue(ctx, c.log, false)
	now := time.Now()
	names, err := q.Transmit(ctx, &queue.Mail{
		Sender:     sender,
		Recipients: rcpts,
		Content:    queue.BytesContent(crlf(buf)),
		Arrival:    now,
		Schedule:   now.Add(delay),
		Peer:       queue.Peer{Name: "localhost", IP: net.IPv6loopback},
	})
	for _, n := range names {
		fmt.Println(n)
	}
	xcheckf(err, "adding message to queue")
}

func cmdQueueDump(c *cmd) {
	c.params = "[-error] name"
	c.help = `Dump the message of a mail in the queue.

The message is printed to stdout and is in standard internet mail format.
`
	var errorArea bool
	c.flag.BoolVar(&errorArea, "error", false, "dump mail from error area")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	name := xparseName(args[0])
	q := xopenQueue(context.Background(), c.log, false)
	var m *queue.Mail
	var err error
	if errorArea {
		m, err = q.Store().ReadError(name)
	} else {
		m, err = q.Store().Read(name)
	}
	xcheckf(err, "reading mail")
	r, err := m.Content.Open()
	xcheckf(err, "opening message")
	defer r.Close()
	_, err = io.Copy(os.Stdout, r)
	xcheckf(err, "write message")
}

func cmdQueueVerify(c *cmd) {
	c.params = "[name ...]"
	c.help = `Verify the content of mails in the queue against the digest in their envelope.

Without names, all mails in the queue are verified. Exits with status 1 if a
mail fails verification.
`
	args := c.Parse()
	mustLoadConfig()

	q := xopenQueue(context.Background(), c.log, false)
	var names []queue.MailName
	if len(args) == 0 {
		var err error
		names, err = q.Store().List()
		xcheckf(err, "listing queue")
	}
	for _, s := range args {
		names = append(names, xparseName(s))
	}
	var bad int
	for _, n := range names {
		if err := q.Store().Verify(n); err != nil {
			fmt.Printf("%s: %v\n", n, err)
			bad++
		}
	}
	fmt.Printf("%d mails verified, %d bad\n", len(names), bad)
	if bad > 0 {
		os.Exit(1)
	}
}

// apiCall calls function fn of the admin API of the running server, with
// password from $RELAYQADMINPASSWORD.
func apiCall(ctx context.Context, fn string, params []any, result any) error {
	ac := relayq.Conf.Static.AdminHTTP
	if ac == nil || ac.PasswordFile == "" {
		return errors.New("admin api not configured, need AdminHTTP with PasswordFile")
	}
	password := os.Getenv("RELAYQADMINPASSWORD")
	if password == "" {
		return errors.New("admin password must be set in $RELAYQADMINPASSWORD")
	}
	host, port, err := net.SplitHostPort(ac.Address)
	if err != nil {
		return fmt.Errorf("parsing admin address: %v", err)
	}
	if ip := net.ParseIP(host); host == "" || ip != nil && ip.IsUnspecified() {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s/api/%s", net.JoinHostPort(host, port), fn)
	return apiCallURL(ctx, url, password, params, result)
}

func apiCallURL(ctx context.Context, url, password string, params []any, result any) (rerr error) {
	if params == nil {
		params = []any{}
	}
	reqbuf, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return fmt.Errorf("marshal request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqbuf))
	if err != nil {
		return fmt.Errorf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("admin", password)

	start := time.Now()
	var code int
	defer func() {
		metrics.HTTPClientObserve(ctx, "webqueue", req.Method, code, rerr, start)
	}()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	code = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("http response %s: %s", resp.Status, strings.TrimSpace(string(buf)))
	}
	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *sherpa.Error   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("parsing response: %v", err)
	}
	if response.Error != nil {
		return response.Error
	}
	if result != nil {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("parsing result: %v", err)
		}
	}
	return nil
}

func cmdQueueKick(c *cmd) {
	c.params = "name"
	c.help = `Schedule a delivery attempt for a mail in the queue now.

Also schedules mails added to the queue directory while relayq is running, see
"relayq queue add". Calls the admin API of the running server, with the admin
password from $RELAYQADMINPASSWORD.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	name := xparseName(args[0])
	err := apiCall(context.Background(), "Kick", []any{name.String()}, nil)
	xcheckf(err, "kick")
}

func cmdQueueFail(c *cmd) {
	c.params = "name"
	c.help = `Move a mail from the queue to the error area, without delivering it.

A delivery attempt in progress is not interrupted. No delivery status
notification is sent. The name of the mail in the error area is printed. Calls
the admin API of the running server, with the admin password from
$RELAYQADMINPASSWORD.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	name := xparseName(args[0])
	var ename string
	err := apiCall(context.Background(), "Fail", []any{name.String()}, &ename)
	xcheckf(err, "fail")
	fmt.Println(ename)
}

func cmdQueueDrop(c *cmd) {
	c.params = "name"
	c.help = `Remove a mail from the error area, without delivering it.

No delivery status notification is sent. Calls the admin API of the running
server, with the admin password from $RELAYQADMINPASSWORD.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	name := xparseName(args[0])
	err := apiCall(context.Background(), "Drop", []any{name.String()}, nil)
	xcheckf(err, "drop")
}

func cmdQueueRetry(c *cmd) {
	c.params = "name"
	c.help = `Move a mail from the error area back into the queue, for delivery now.

The attempt and postpone counters are reset. The new name of the mail in the
queue is printed. Calls the admin API of the running server, with the admin
password from $RELAYQADMINPASSWORD.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	name := xparseName(args[0])
	var qname string
	err := apiCall(context.Background(), "Retry", []any{name.String()}, &qname)
	xcheckf(err, "retry")
	fmt.Println(qname)
}
