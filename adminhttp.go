package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/metrics"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/queue"
	"github.com/mjl-/relayq/relayq-"
	"github.com/mjl-/relayq/webqueue"
)

var adminlog = mlog.New("adminhttp", nil)

var metricRequest = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "relayq_adminhttp_request_duration_seconds",
		Help:    "Admin HTTP server request with handler name, method, result code, and duration until the response is written, in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
	},
	[]string{
		"handler", // metrics, api
		"method",  // "(other)" for uncommon verbs
		"code",
	},
)

func metricHTTPMethod(method string) string {
	method = strings.ToLower(method)
	switch method {
	case "get", "head", "post", "put", "delete", "options":
		return method
	}
	return "(other)"
}

// statusWriter records the status code of a response.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(buf []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(buf)
}

// observe wraps h, logging each request and tracking its duration.
func observe(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			x := recover()
			if x != nil {
				adminlog.Error("unhandled panic in admin http handler", slog.Any("err", x), slog.String("path", r.URL.Path))
				metrics.PanicInc(metrics.Webqueue)
				if sw.code == 0 {
					http.Error(sw, "500 - internal server error", http.StatusInternalServerError)
				}
			}
			metricRequest.WithLabelValues(name, metricHTTPMethod(r.Method), fmt.Sprintf("%d", sw.code)).Observe(float64(time.Since(start)) / float64(time.Second))
			adminlog.Debug("http request",
				slog.String("handler", name),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
				slog.Int("code", sw.code),
				slog.Duration("duration", time.Since(start)))
		}()
		h.ServeHTTP(sw, r)
	})
}

// adminHandler returns the handler for the admin listener: metrics, and the
// queue API if a password file is configured.
func adminHandler(ac *config.AdminHTTP, q *queue.Queue) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe("metrics", promhttp.Handler()))
	if ac.PasswordFile != "" {
		api, err := webqueue.NewHandler(q, relayq.ConfigDirPath(ac.PasswordFile))
		if err != nil {
			return nil, err
		}
		mux.Handle("/api/", observe("api", api))
	}
	return mux, nil
}

// listenAdmin starts serving the admin handler in the background.
func listenAdmin(ac *config.AdminHTTP, q *queue.Queue) (*http.Server, error) {
	h, err := adminHandler(ac, q)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", ac.Address)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(adminlog.Logger.Handler(), slog.LevelError),
	}
	adminlog.Print("admin http listener", slog.String("address", ac.Address), slog.Bool("api", ac.PasswordFile != ""))
	go func() {
		err := srv.Serve(ln)
		if err != http.ErrServerClosed {
			adminlog.Errorx("admin http listener stopped", err)
		}
	}()
	return srv, nil
}
