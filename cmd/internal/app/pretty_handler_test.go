package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "info", "pretty", false)

	log.With("tier", "bronze").Info("settlement.payout.ok",
		"invoice_id", "IV1", "duration_ms", int64(12), "comment", "two words", "result", "paid")
	log.Debug("hidden")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected one line, got %q", out)
	}
	for _, want := range []string{
		"lvl=[INFO]", "msg=settlement.payout.ok", "tier=bronze", "invoice=IV1",
		"duration=12ms", `comment="two words"`, "result=paid",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("unexpected ANSI codes in %q", out)
	}
}

func TestPrettyHandler_ColorAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "pretty", true)

	log.WithGroup("gw").Error("cryptopay.fail", "err", errors.New("boom"), "status", 503)

	out := buf.String()
	if !strings.Contains(out, ansiRed+"[ERROR]"+ansiReset) {
		t.Fatalf("missing colored level in %q", out)
	}
	if !strings.Contains(out, "gw.status=") {
		t.Fatalf("missing grouped key in %q", out)
	}
}

func TestNewLogger_JSONDefault(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json", false)
	log.Info("skipped")
	log.Warn("kept", "tier", "gold")

	out := buf.String()
	if strings.Contains(out, "skipped") || !strings.Contains(out, `"tier":"gold"`) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestColorizeResult(t *testing.T) {
	t.Parallel()

	if got := colorizeResult("held", false); got != "held" {
		t.Fatalf("colorizeResult(plain)=%q", got)
	}
	if got := colorizeResult("failed", true); got != ansiRed+"failed"+ansiReset {
		t.Fatalf("colorizeResult(color)=%q", got)
	}
	if n, ok := valueToInt64(slog.StringValue(" 42 ")); !ok || n != 42 {
		t.Fatalf("valueToInt64=%d,%v", n, ok)
	}
}
