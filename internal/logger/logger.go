// Package logger is the process-wide slog logger for the commission service.
//
// Output goes to stdout as JSON, or to an OTLP collector when OTEL_ENABLED=true.
// Warnings and errors are sampled at ERROR_SAMPLE_RATE; the counters read by
// the health endpoint are not.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

var (
	Logger     *slog.Logger
	minLevel   = new(slog.LevelVar)
	sampleRate atomic.Int32
	flush      func(context.Context) error
)

// Health endpoint counters. Sampling never skips an increment.
var (
	TotalErrors      atomic.Int64
	TotalWarnings    atomic.Int64
	Total5xxErrors   atomic.Int64
	Total4xxErrors   atomic.Int64
	Total400Errors   atomic.Int64
	Total404Errors   atomic.Int64
	Total429Errors   atomic.Int64
	SkippedRules     atomic.Int64
	Calculations     atomic.Int64
	StoreBreakerOpen atomic.Int64
)

var statusCounters = map[int]*atomic.Int64{
	400: &Total400Errors,
	404: &Total404Errors,
	429: &Total429Errors,
}

// settings is the environment-derived logger setup.
type settings struct {
	level   slog.Level
	rate    int
	otel    bool
	service string
}

func settingsFrom(getenv func(string) string) settings {
	s := settings{level: LevelInfo, rate: 100, service: "commission-service"}
	if lvl, err := ParseLevel(getenv("LOG_LEVEL")); err == nil {
		s.level = lvl
	}
	if n, err := strconv.Atoi(getenv("ERROR_SAMPLE_RATE")); err == nil && n > 0 {
		s.rate = n
	}
	s.otel = strings.EqualFold(getenv("OTEL_ENABLED"), "true")
	if name := getenv("OTEL_SERVICE_NAME"); name != "" {
		s.service = name
	}
	return s
}

func init() {
	s := settingsFrom(os.Getenv)
	minLevel.Set(s.level)
	SetSampleRate(s.rate)

	var next slog.Handler = jsonHandler()
	if s.otel {
		h, shutdown, err := otelHandler(context.Background(), s.service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "otel logging unavailable, using stdout: %v\n", err)
		} else {
			next, flush = h, shutdown
		}
	}
	Logger = slog.New(&gate{next: next, keep: sampled})
	slog.SetDefault(Logger)
}

func jsonHandler() slog.Handler {
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       minLevel,
		ReplaceAttr: renameLevel,
	})
}

func renameLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok {
		if name, ok := levelNames[lvl]; ok {
			a.Value = slog.StringValue(name)
		}
	}
	return a
}

func otelHandler(ctx context.Context, service string) (slog.Handler, func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("otel resource: %w", err)
	}
	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp exporter: %w", err)
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	return otelslog.NewHandler(service, otelslog.WithLoggerProvider(provider)), provider.Shutdown, nil
}

// gate applies the minimum level and drops sampled-out warnings and errors
// before they reach the output handler. Fatal records always pass.
type gate struct {
	next slog.Handler
	keep func() bool
}

func (g *gate) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= minLevel.Level() && g.next.Enabled(ctx, level)
}

func (g *gate) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= LevelWarning && r.Level < LevelFatal && !g.keep() {
		return nil
	}
	return g.next.Handle(ctx, r)
}

func (g *gate) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &gate{next: g.next.WithAttrs(attrs), keep: g.keep}
}

func (g *gate) WithGroup(name string) slog.Handler {
	return &gate{next: g.next.WithGroup(name), keep: g.keep}
}

func sampled() bool {
	n := sampleRate.Load()
	return n <= 1 || rand.Intn(int(n)) == 0
}

// Shutdown flushes pending OTLP records; without OTEL it does nothing.
func Shutdown(ctx context.Context) error {
	if flush == nil {
		return nil
	}
	return flush(ctx)
}

func SetLevel(level slog.Level) { minLevel.Set(level) }

func GetLevel() slog.Level { return minLevel.Level() }

// ParseLevel maps a LOG_LEVEL value to a level, falling back to Info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetSampleRate keeps one in every rate warnings/errors. Values below 1 keep all.
func SetSampleRate(rate int) {
	if rate < 1 {
		rate = 1
	}
	sampleRate.Store(int32(rate))
}

func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Info(msg string, args ...any) { Logger.Info(msg, args...) }

func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	Logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	Logger.Error(msg, args...)
}

// Fatal logs, flushes and exits with status 1.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// WarnSkippedRule records a rule that failed normalization during a load.
func WarnSkippedRule(ruleID string, err error) {
	SkippedRules.Add(1)
	Warn("skipping malformed commission rule", "ruleId", ruleID, "error", err)
}

// WarnStoreBreakerOpen counts a store call refused by an open circuit breaker.
func WarnStoreBreakerOpen(store string) {
	StoreBreakerOpen.Add(1)
	Warn("rule store circuit breaker open", "store", store)
}

func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)
	if c, ok := statusCounters[status]; ok {
		c.Add(1)
	}
}

// Snapshot returns the counters keyed as the health endpoint reports them.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"errors":           TotalErrors.Load(),
		"warnings":         TotalWarnings.Load(),
		"http5xx":          Total5xxErrors.Load(),
		"http4xx":          Total4xxErrors.Load(),
		"http400":          Total400Errors.Load(),
		"http404":          Total404Errors.Load(),
		"http429":          Total429Errors.Load(),
		"skippedRules":     SkippedRules.Load(),
		"calculations":     Calculations.Load(),
		"storeBreakerOpen": StoreBreakerOpen.Load(),
	}
}
