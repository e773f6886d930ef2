package mlog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()
	var b bytes.Buffer
	orig := Output
	Output = &b
	defer func() {
		Output = orig
	}()
	fn()
	return b.String()
}

func TestLevels(t *testing.T) {
	SetConfig(map[string]slog.Level{"": LevelInfo, "queue": LevelDebug})
	defer SetConfig(map[string]slog.Level{"": LevelDebug})

	out := capture(t, func() {
		New("dns", nil).Debug("hidden")
		New("queue", nil).Debug("shown", slog.String("name", "20240101T000000.000000000Z"))
		New("dns", nil).Print("always")
	})
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line for dns logged at info level: %q", out)
	}
	if !strings.Contains(out, "debug: shown (pkg: queue; name: 20240101T000000.000000000Z)") {
		t.Fatalf("missing queue debug line: %q", out)
	}
	if !strings.Contains(out, "print: always") {
		t.Fatalf("missing print line: %q", out)
	}
}

func TestErrorAndCid(t *testing.T) {
	SetConfig(map[string]slog.Level{"": LevelDebug})

	ctx := context.WithValue(context.Background(), CidKey, int64(255))
	out := capture(t, func() {
		log := New("smtpclient", nil).WithContext(ctx)
		log.Check(nil, "not logged")
		log.Check(errors.New("boom"), "closing connection")
	})
	if strings.Contains(out, "not logged") {
		t.Fatalf("check logged nil error: %q", out)
	}
	if !strings.Contains(out, `error: "closing connection"`) || !strings.Contains(out, "err: boom") || !strings.Contains(out, "cid: ff") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLogfmt(t *testing.T) {
	Logfmt = true
	defer func() {
		Logfmt = false
	}()
	out := capture(t, func() {
		New("queue", nil).Info("delivered", slog.String("remote", "mx.example.org"), slog.Int("attempts", 2))
	})
	exp := "l=info m=delivered pkg=queue remote=mx.example.org attempts=2\n"
	if out != exp {
		t.Fatalf("got %q, expected %q", out, exp)
	}
}

func TestWithPkgNested(t *testing.T) {
	SetConfig(map[string]slog.Level{"": LevelError, "smtpclient": LevelDebug})
	defer SetConfig(map[string]slog.Level{"": LevelDebug})

	out := capture(t, func() {
		log := New("queue", nil).WithPkg("smtpclient")
		log.Debug("dialing")
	})
	if !strings.Contains(out, "pkg: smtpclient") {
		t.Fatalf("nested package level not applied: %q", out)
	}
}
