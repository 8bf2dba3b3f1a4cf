// Package handler adapts log/slog to a logging.Enqueuer so that application code
// can ship its logs through a drain with a plain *slog.Logger.
package handler

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
	"github.com/Chichichkin/LogtailAgent/internal/logging/drain"
	"github.com/Chichichkin/LogtailAgent/internal/logging/logtail"
)

// Levels outside the four built into slog.
const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

type Options struct {
	// LoggerName is reported as context.logger.
	LoggerName string
	// Level is the minimum level handled. Defaults to slog.LevelInfo.
	Level slog.Leveler
	// CaptureSourceLocation adds the file and line of the call site to
	// context.runtime. Class and member are reported either way.
	CaptureSourceLocation bool
	// GlobalContext is attached to every log as context.gdc.
	GlobalContext map[string]any
	// Console, when set, receives a colourised text copy of every record.
	Console io.Writer
}

// Handler is a slog.Handler that turns records into logging.Log values.
type Handler struct {
	target  logging.Enqueuer
	opts    Options
	goas    []groupOrAttrs
	console *console
}

// groupOrAttrs is either a group name or a list of attrs added with WithAttrs.
type groupOrAttrs struct {
	group string
	attrs []slog.Attr
}

func New(target logging.Enqueuer, opts Options) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &Handler{
		target: target,
		opts:   opts,
	}
	if opts.Console != nil {
		h.console = &console{w: opts.Console}
	}
	return h
}

// NewLogtail builds the whole pipeline (client, drain, handler). The returned
// handler owns the drain: Close stops it.
func NewLogtail(ctx context.Context, sourceToken string, clientConfig logtail.Config, drainConfig logging.Config, opts Options) *Handler {
	client := logtail.NewClient(sourceToken, clientConfig)
	return New(drain.New(ctx, client, drainConfig), opts)
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	properties := h.properties(r)

	logContext := map[string]any{
		"logger":     h.opts.LoggerName,
		"properties": properties,
		"runtime":    runtimeContext(r.PC, h.opts.CaptureSourceLocation),
	}
	if len(h.opts.GlobalContext) > 0 {
		gdc := make(map[string]any, len(h.opts.GlobalContext))
		for k, v := range h.opts.GlobalContext {
			if k == "" {
				continue
			}
			gdc[k] = v
		}
		logContext["gdc"] = gdc
	}

	if h.console != nil {
		h.console.write(ts, r, h.goas)
	}

	err := h.target.Enqueue(logging.Log{
		Timestamp: ts,
		Message:   r.Message,
		Level:     LevelName(r.Level),
		Context:   logContext,
	})
	return errors.Wrap(err, "failed to enqueue log")
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.withGroupOrAttrs(groupOrAttrs{attrs: attrs})
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.withGroupOrAttrs(groupOrAttrs{group: name})
}

func (h *Handler) withGroupOrAttrs(goa groupOrAttrs) *Handler {
	h2 := *h
	h2.goas = make([]groupOrAttrs, len(h.goas)+1)
	copy(h2.goas, h.goas)
	h2.goas[len(h2.goas)-1] = goa
	return &h2
}

// Close stops the drain behind the handler, if the handler owns one.
func (h *Handler) Close(ctx context.Context) error {
	if stopper, ok := h.target.(interface{ Stop(context.Context) error }); ok {
		return stopper.Stop(ctx)
	}
	return nil
}

func (h *Handler) properties(r slog.Record) map[string]any {
	goas := h.goas
	if r.NumAttrs() == 0 {
		// groups that end up empty are dropped
		for len(goas) > 0 && goas[len(goas)-1].group != "" {
			goas = goas[:len(goas)-1]
		}
	}

	properties := make(map[string]any)
	current := properties
	for _, goa := range goas {
		if goa.group != "" {
			next := make(map[string]any)
			current[goa.group] = next
			current = next
			continue
		}
		for _, a := range goa.attrs {
			addAttr(current, a)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(current, a)
		return true
	})
	return properties
}

func addAttr(m map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		if len(attrs) == 0 {
			return
		}
		target := m
		if a.Key != "" {
			target = make(map[string]any, len(attrs))
			m[a.Key] = target
		}
		for _, ga := range attrs {
			addAttr(target, ga)
		}
		return
	}

	m[a.Key] = attrValue(a.Value)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	default:
		return v.Any()
	}
}

// LevelName maps slog levels onto the level names used by the ingestion side.
func LevelName(level slog.Level) string {
	switch {
	case level < slog.LevelDebug:
		return "Trace"
	case level < slog.LevelInfo:
		return "Debug"
	case level < slog.LevelWarn:
		return "Info"
	case level < slog.LevelError:
		return "Warn"
	case level < LevelFatal:
		return "Error"
	default:
		return "Fatal"
	}
}

// ParseLevel is the inverse of LevelName. It is case-insensitive and also accepts
// "warning".
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return 0, errors.Errorf("unknown level %q", name)
}

func runtimeContext(pc uintptr, captureSource bool) map[string]any {
	rt := map[string]any{
		"class":  nil,
		"member": nil,
		"file":   nil,
		"line":   nil,
	}
	if pc == 0 {
		return rt
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function != "" {
		rt["class"], rt["member"] = splitFunction(frame.Function)
	}
	if captureSource && frame.File != "" {
		rt["file"] = frame.File
		rt["line"] = frame.Line
	}
	return rt
}

// splitFunction splits a qualified Go function name into the type (or package)
// it belongs to and the function itself:
//
//	example.com/app/store.(*DB).Get -> example.com/app/store.DB, Get
//	example.com/app/store.Open      -> example.com/app/store, Open
func splitFunction(name string) (class, member string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1

	pkg, rest := name[:dot], name[dot+1:]
	if strings.HasPrefix(rest, "(") {
		if end := strings.Index(rest, ")."); end >= 0 {
			receiver := strings.TrimPrefix(rest[1:end], "*")
			return pkg + "." + receiver, rest[end+2:]
		}
	}
	return pkg, rest
}
