package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/relayq/mlog"
)

var pkglog = mlog.New("metrics", nil)

var metricHTTPClient = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "relayq_httpclient_request_duration_seconds",
		Help:    "HTTP requests to the admin API made by the command-line tool.",
		Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
	},
	[]string{"pkg", "method", "code", "result"},
)

// httpResult is the "result" label for an HTTP call: ok, usererror,
// servererror, other, timeout, canceled or error.
func httpResult(statusCode int, err error) string {
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		} else if errors.Is(err, context.Canceled) {
			return "canceled"
		}
		return "error"
	}
	switch statusCode / 100 {
	case 2:
		return "ok"
	case 4:
		return "usererror"
	case 5:
		return "servererror"
	}
	return "other"
}

// HTTPClientObserve records the duration and result of an outgoing HTTP call
// that started at start, and logs it at debug level.
func HTTPClientObserve(ctx context.Context, pkg, method string, statusCode int, err error, start time.Time) {
	d := time.Since(start)
	metricHTTPClient.WithLabelValues(pkg, method, strconv.Itoa(statusCode), httpResult(statusCode, err)).Observe(d.Seconds())
	pkglog.WithContext(ctx).Debugx("http client call", err,
		slog.String("pkg", pkg),
		slog.String("method", method),
		slog.Int("code", statusCode),
		slog.Duration("duration", d))
}
