// Package webqueue exports a JSON API over HTTP for inspecting and managing
// the queue: listing queued mails, the error area and delivery history,
// kicking mails and moving them between the queue and the error area.
package webqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	_ "embed"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/relayq/metrics"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/queue"
	"github.com/mjl-/relayq/ratelimit"
	"github.com/mjl-/relayq/relayq-"
)

var pkglog = mlog.New("webqueue", nil)

//go:generate sherpadoc -adjust-function-names none API >api.json

//go:embed api.json
var apiJSON []byte

var apiDoc = mustParseAPI("webqueue", apiJSON)

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

var collector *sherpaprom.Collector

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("relayqwebqueue", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

// The queue the API functions operate on. Set by NewHandler, there is one
// queue per process.
var apiQueue struct {
	sync.Mutex
	q *queue.Queue
}

func xqueue() *queue.Queue {
	apiQueue.Lock()
	defer apiQueue.Unlock()
	return apiQueue.q
}

// Failed authentication attempts per remote IP.
var limiterFailedAuth = &ratelimit.Limiter{
	WindowLimits: []ratelimit.WindowLimit{
		{
			Window: time.Minute,
			Limit:  10,
		},
		{
			Window: time.Hour,
			Limit:  50,
		},
	},
}

// Password hashes are cached, we don't want to bcrypt each request.
var authCache struct {
	sync.Mutex
	lastSuccessHash, lastSuccessAuth string
}

// NewHandler returns a handler for the API, requiring HTTP basic
// authentication with the bcrypt password hash in passwordFile. The handler
// is meant to be mounted at /api/.
func NewHandler(q *queue.Queue, passwordFile string) (http.Handler, error) {
	apiQueue.Lock()
	apiQueue.q = q
	apiQueue.Unlock()

	doc := apiDoc
	sh, err := sherpa.NewHandler("/api/", relayq.Version, API{}, &doc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %v", err)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), mlog.CidKey, relayq.Cid())
		if !checkAuth(ctx, passwordFile, w, r) {
			// Response already sent.
			return
		}
		sh.ServeHTTP(w, r.WithContext(ctx))
	}), nil
}

// checkAuth checks the password in the authorization header against the
// bcrypt hash in passwordFile. Any username is accepted. On failure, a
// response is sent and false returned.
func checkAuth(ctx context.Context, passwordFile string, w http.ResponseWriter, r *http.Request) bool {
	log := pkglog.WithContext(ctx)

	respondAuthFail := func() bool {
		w.Header().Set("WWW-Authenticate", `Basic realm="relayq queue admin - login with any username and admin password"`)
		http.Error(w, "http 401 - unauthorized - relayq queue admin - login with any username and admin password", http.StatusUnauthorized)
		return false
	}

	authResult := "error"
	start := time.Now()
	var remoteIP string
	defer func() {
		metrics.AuthenticationInc("webqueue", "httpbasic", authResult)
		if authResult == "ok" && remoteIP != "" {
			limiterFailedAuth.Reset(remoteIP, start)
		}
	}()

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err != nil {
		log.Errorx("parsing remote address", err, slog.String("addr", r.RemoteAddr))
	} else {
		remoteIP = host
	}
	if remoteIP != "" && !limiterFailedAuth.CanAdd(remoteIP, start, 1) {
		metrics.AuthenticationRatelimitedInc("webqueue")
		http.Error(w, "429 - too many auth attempts", http.StatusTooManyRequests)
		return false
	}

	authHdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHdr, "Basic ") || passwordFile == "" {
		return respondAuthFail()
	}
	buf, err := os.ReadFile(passwordFile)
	if err != nil {
		log.Errorx("reading admin password file", err, slog.String("path", passwordFile))
		return respondAuthFail()
	}
	passwordhash := strings.TrimSpace(string(buf))
	authCache.Lock()
	defer authCache.Unlock()
	if passwordhash != "" && passwordhash == authCache.lastSuccessHash && authCache.lastSuccessAuth == authHdr {
		authResult = "ok"
		return true
	}
	auth, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHdr, "Basic "))
	if err != nil {
		return respondAuthFail()
	}
	_, password, ok := strings.Cut(string(auth), ":")
	if !ok || len(password) < 8 {
		log.Info("failed authentication attempt", slog.String("remote", remoteIP))
		return respondAuthFail()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordhash), []byte(password)); err != nil {
		authResult = "badcreds"
		if remoteIP != "" {
			limiterFailedAuth.Add(remoteIP, start, 1)
		}
		log.Info("failed authentication attempt", slog.String("remote", remoteIP))
		return respondAuthFail()
	}
	authCache.lastSuccessHash = passwordhash
	authCache.lastSuccessAuth = authHdr
	authResult = "ok"
	return true
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Infox(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// xcheckname parses a mail name.
func xcheckname(ctx context.Context, s string) queue.MailName {
	name, err := queue.ParseMailName(s)
	xcheckuserf(ctx, err, "parsing mail name")
	return name
}

// xchecknotfound turns a missing mail into a user error.
func xchecknotfound(ctx context.Context, err error, format string, args ...any) {
	if errors.Is(err, queue.ErrNotFound) {
		xcheckuserf(ctx, err, format, args...)
	}
	xcheckf(ctx, err, format, args...)
}

// API exports functions for managing the queue. All its methods are exported
// under /api/.
type API struct{}

// Mail is a mail in the queue or error area.
type Mail struct {
	Name       string   // Name in the queue or error area, for use in other functions.
	Sender     string   // Empty for the null sender, e.g. for a DSN.
	Recipients []string // All in the same domain.
	Size       int64
	Arrival    time.Time
	Schedule   time.Time // Next delivery attempt.
	Attempts   int
	Postpones  int
	LogID      string // For finding log lines and history records.
	LastError  string
}

// MailFromQueue returns the API representation of a queued mail.
func MailFromQueue(m *queue.Mail) Mail {
	rcpts := make([]string, len(m.Recipients))
	for i, r := range m.Recipients {
		rcpts[i] = r.XString(true)
	}
	var sender string
	if !m.Sender.IsZero() {
		sender = m.Sender.XString(true)
	}
	return Mail{
		Name:       m.Name.String(),
		Sender:     sender,
		Recipients: rcpts,
		Size:       m.Size,
		Arrival:    m.Arrival,
		Schedule:   m.Schedule,
		Attempts:   m.Attempts,
		Postpones:  m.Postpones,
		LogID:      m.LogID,
		LastError:  m.LastError,
	}
}

func apiMails(l []*queue.Mail) []Mail {
	r := make([]Mail, len(l))
	for i, m := range l {
		r[i] = MailFromQueue(m)
	}
	return r
}

// Stats returns the number of mails in the queue, waiting for a delivery
// attempt and with an attempt in progress.
func (API) Stats(ctx context.Context) queue.Stats {
	return xqueue().Stats()
}

// List returns the mails in the queue, ordered by next delivery attempt.
func (API) List(ctx context.Context) []Mail {
	l, err := xqueue().List()
	xcheckf(ctx, err, "listing queue")
	return apiMails(l)
}

// ListErrors returns the mails in the error area.
func (API) ListErrors(ctx context.Context) []Mail {
	l, err := xqueue().ListErrors()
	xcheckf(ctx, err, "listing error area")
	return apiMails(l)
}

// History returns finished deliveries, newest first. If logID is non-empty,
// only records for that log-id are returned. A limit of 0 returns all
// records.
func (API) History(ctx context.Context, logID string, limit int) []queue.HistoryRecord {
	if limit < 0 {
		xcheckuserf(ctx, errors.New("must not be negative"), "checking limit")
	}
	l, err := xqueue().History(ctx, logID, limit)
	xcheckf(ctx, err, "listing history")
	if l == nil {
		l = []queue.HistoryRecord{}
	}
	return l
}

// Kick schedules a delivery attempt for a queued mail now.
func (API) Kick(ctx context.Context, name string) {
	err := xqueue().Kick(xcheckname(ctx, name))
	xchecknotfound(ctx, err, "kick mail")
}

// Fail moves a queued mail to the error area without delivering it. The name
// in the error area is returned.
func (API) Fail(ctx context.Context, name string) string {
	ename, err := xqueue().Fail(xcheckname(ctx, name))
	xchecknotfound(ctx, err, "moving mail to error area")
	return ename.String()
}

// Drop removes a mail from the error area without delivering it.
func (API) Drop(ctx context.Context, name string) {
	err := xqueue().Drop(xcheckname(ctx, name))
	xchecknotfound(ctx, err, "dropping mail from error area")
}

// Retry moves a mail from the error area back into the queue, for delivery
// now. The new name in the queue is returned.
func (API) Retry(ctx context.Context, name string) string {
	qname, err := xqueue().Retry(ctx, xcheckname(ctx, name))
	xchecknotfound(ctx, err, "moving mail from error area to queue")
	return qname.String()
}
