// Package moderation screens user messages before they reach the model.
//
// A user moves through three states driven by two expiring keys: clean,
// warned once (the offending spans are masked) and muted (every message is
// refused until the mute expires). The warning counter resets when its window
// lapses and a mute cannot be lifted early.
package moderation

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/telemetry"
)

// Mask replaces every matched span in a first-strike message.
const Mask = "***"

// Default escalation windows.
const (
	DefaultWarnWindow = 24 * time.Hour
	DefaultMute       = 5 * time.Minute
)

// Notices returned to the client.
const (
	NoticeMuted   = "chat is temporarily restricted"
	NoticeMasked  = "inappropriate language was detected and masked; please rephrase"
	NoticeBlocked = "repeated inappropriate language; chat is restricted for a few minutes"
)

// Outcome labels for the check counter.
const (
	outcomeClean   = "clean"
	outcomeMasked  = "masked"
	outcomeBlocked = "blocked"
	outcomeMuted   = "muted"
)

// Config tunes a Gate.
type Config struct {
	WarnWindow  time.Duration // Lifetime of the warning counter. Default 24h.
	Mute        time.Duration // Mute duration after the second strike. Default 5m.
	PatternsDir string        // Overrides the embedded pattern files when set.
}

// Gate applies the two-strike policy.
type Gate struct {
	store    Store
	pattern  *regexp.Regexp
	allow    *regexp.Regexp
	warn     time.Duration
	mute     time.Duration
	logger   *slog.Logger
	checks   metric.Int64Counter
	disabled atomic.Bool
}

// New builds a Gate. Pattern loading problems never fail construction: the
// gate falls back to a pattern that matches nothing, logs at ERROR and raises
// the haigate.moderation.disabled gauge.
func New(store Store, cfg Config, logger *slog.Logger) *Gate {
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = DefaultWarnWindow
	}
	if cfg.Mute <= 0 {
		cfg.Mute = DefaultMute
	}

	g := &Gate{
		store:  store,
		warn:   cfg.WarnWindow,
		mute:   cfg.Mute,
		logger: logger,
		checks: telemetry.Counter("haigate/moderation", "haigate.moderation.checks", "Moderation checks by outcome"),
	}

	re, err := LoadPatterns(cfg.PatternsDir)
	switch {
	case re == nil:
		g.pattern = neverMatch
		g.disabled.Store(true)
		logger.Error("moderation disabled", "error", err, "patterns_dir", cfg.PatternsDir)
	case err != nil:
		g.pattern = re
		logger.Error("moderation: pattern file missing", "error", err, "patterns_dir", cfg.PatternsDir)
	default:
		g.pattern = re
	}

	allow, err := LoadAllowlist(cfg.PatternsDir)
	if err != nil {
		logger.Error("moderation: allowlist unusable", "error", err, "patterns_dir", cfg.PatternsDir)
	}
	g.allow = allow

	telemetry.Gauge("haigate/moderation", "haigate.moderation.disabled",
		"1 when moderation runs without a usable pattern set", func() int64 {
			if g.disabled.Load() {
				return 1
			}
			return 0
		})
	return g
}

// Disabled reports whether the gate is running without patterns.
func (g *Gate) Disabled() bool {
	return g.disabled.Load()
}

// Check decides whether text from userID may proceed. Store failures are
// returned as errors; the caller decides how to answer them.
func (g *Gate) Check(ctx context.Context, userID, text string) (model.ModerationResult, error) {
	left, muted, err := g.store.MuteRemaining(ctx, userID)
	if err != nil {
		return model.ModerationResult{}, err
	}
	if muted {
		g.record(ctx, outcomeMuted)
		return blocked(NoticeMuted, g.secondsLeft(left)), nil
	}

	spans := g.spans(text)
	if len(spans) == 0 {
		g.record(ctx, outcomeClean)
		return model.ModerationResult{Allowed: true, Content: &text}, nil
	}

	n, err := g.store.IncrementWarn(ctx, userID, g.warn)
	if err != nil {
		return model.ModerationResult{}, err
	}
	if n == 1 {
		masked := mask(text, spans)
		notice := NoticeMasked
		g.record(ctx, outcomeMasked)
		g.logger.Info("moderation: masked", "user_id", userID)
		return model.ModerationResult{Allowed: true, Content: &masked, Notice: &notice}, nil
	}

	if err := g.store.Mute(ctx, userID, g.mute); err != nil {
		return model.ModerationResult{}, err
	}
	g.record(ctx, outcomeBlocked)
	g.logger.Info("moderation: muted", "user_id", userID, "warnings", n, "mute", g.mute)
	return blocked(NoticeBlocked, g.secondsLeft(g.mute)), nil
}

// Preview reports what Check would decide for text without recording a
// strike or a mute.
func (g *Gate) Preview(ctx context.Context, userID, text string) (model.ModerationResult, error) {
	left, muted, err := g.store.MuteRemaining(ctx, userID)
	if err != nil {
		return model.ModerationResult{}, err
	}
	if muted {
		return blocked(NoticeMuted, g.secondsLeft(left)), nil
	}
	spans := g.spans(text)
	if len(spans) == 0 {
		return model.ModerationResult{Allowed: true, Content: &text}, nil
	}

	n, err := g.store.Warnings(ctx, userID)
	if err != nil {
		return model.ModerationResult{}, err
	}
	if n == 0 {
		masked := mask(text, spans)
		notice := NoticeMasked
		return model.ModerationResult{Allowed: true, Content: &masked, Notice: &notice}, nil
	}
	return blocked(NoticeBlocked, g.secondsLeft(g.mute)), nil
}

// spans returns the blocked spans of text, minus those lying inside an
// allowlisted word.
func (g *Gate) spans(text string) [][]int {
	found := g.pattern.FindAllStringIndex(text, -1)
	if len(found) == 0 || g.allow == nil {
		return found
	}
	allowed := g.allow.FindAllStringIndex(text, -1)
	kept := found[:0]
	for _, m := range found {
		if !within(m, allowed) {
			kept = append(kept, m)
		}
	}
	return kept
}

func within(m []int, spans [][]int) bool {
	for _, s := range spans {
		if s[0] <= m[0] && m[1] <= s[1] {
			return true
		}
	}
	return false
}

func mask(text string, spans [][]int) string {
	var b strings.Builder
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s[0]])
		b.WriteString(Mask)
		last = s[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// secondsLeft rounds a remaining duration up to whole seconds, falling back
// to the configured mute when the store could not report one.
func (g *Gate) secondsLeft(d time.Duration) int {
	if d <= 0 {
		d = g.mute
	}
	return int(math.Ceil(d.Seconds()))
}

func (g *Gate) record(ctx context.Context, outcome string) {
	g.checks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func blocked(notice string, secondsLeft int) model.ModerationResult {
	return model.ModerationResult{
		Allowed:         false,
		Muted:           true,
		Notice:          &notice,
		MuteSecondsLeft: secondsLeft,
	}
}
