package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/filecast/filecast/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func hasWarning(records []recordedLog, code string) bool {
	for _, r := range records {
		if r.level == slog.LevelWarn && r.attrs["warning_code"] == code {
			return true
		}
	}
	return false
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:           config.ModeDev,
		AllowedOrigins: []string{"*"},
	})

	if !hasWarning(records(), "allowed_origins_wildcard") {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupWarnings_TrustProxyHeaders(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:              config.ModeDev,
		AllowedOrigins:    []string{"https://app.example.com"},
		TrustProxyHeaders: true,
	})

	if !hasWarning(records(), "trust_proxy_headers") {
		t.Fatalf("expected warning_code=trust_proxy_headers, got %#v", records())
	}
	if hasWarning(records(), "allowed_origins_wildcard") {
		t.Fatalf("unexpected wildcard warning: %#v", records())
	}
}

func TestStartupWarnings_ProdSameHostOnly(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{Mode: config.ModeProd})

	if !hasWarning(records(), "allowed_origins_same_host_only") {
		t.Fatalf("expected warning_code=allowed_origins_same_host_only, got %#v", records())
	}
}

func TestStartupWarnings_QuietForSafeDevConfig(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{Mode: config.ModeDev})

	if got := records(); len(got) != 0 {
		t.Fatalf("expected no warnings, got %#v", got)
	}
}
