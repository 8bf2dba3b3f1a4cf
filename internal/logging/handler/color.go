package handler

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	ansiRed    = "\x1b[31;1m"
	ansiGreen  = "\x1b[32;1m"
	ansiYellow = "\x1b[33;1m"
	ansiBlue   = "\x1b[34;1m"
	ansiCyan   = "\x1b[36;1m"
	ansiGray   = "\x1b[37;1m"
	ansiReset  = "\x1b[0m"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInteger
	kindBoolean
	kindNull
	kindOther
)

func kindOf(v slog.Value) valueKind {
	switch v.Kind() {
	case slog.KindString:
		return kindString
	case slog.KindInt64, slog.KindUint64:
		return kindInteger
	case slog.KindBool:
		return kindBoolean
	case slog.KindAny:
		if v.Any() == nil {
			return kindNull
		}
	}
	return kindOther
}

// FormatValue renders v wrapped in an ANSI colour picked by its kind: strings
// cyan, integers yellow, true green, false red, null gray, anything else blue.
func FormatValue(v slog.Value) string {
	v = v.Resolve()

	var color, text string
	switch kindOf(v) {
	case kindString:
		color, text = ansiCyan, v.String()
	case kindInteger:
		color, text = ansiYellow, v.String()
	case kindBoolean:
		color, text = ansiRed, v.String()
		if v.Bool() {
			color = ansiGreen
		}
	case kindNull:
		color, text = ansiGray, "null"
	default:
		color, text = ansiBlue, v.String()
	}

	if text == "" {
		return ""
	}
	return color + text + ansiReset
}

type console struct {
	mu sync.Mutex
	w  io.Writer
}

// write prints one line: time, level, message and key=value pairs, with group
// names joined into the keys.
func (c *console) write(ts time.Time, r slog.Record, goas []groupOrAttrs) {
	var buf bytes.Buffer
	buf.WriteString(ts.Format(time.RFC3339Nano))
	buf.WriteByte(' ')
	buf.WriteString(LevelName(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	prefix := ""
	for _, goa := range goas {
		if goa.group != "" {
			prefix += goa.group + "."
			continue
		}
		for _, a := range goa.attrs {
			appendConsoleAttr(&buf, prefix, a)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		appendConsoleAttr(&buf, prefix, a)
		return true
	})
	buf.WriteByte('\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.w.Write(buf.Bytes())
}

func appendConsoleAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendConsoleAttr(buf, prefix, ga)
		}
		return
	}

	buf.WriteByte(' ')
	buf.WriteString(prefix)
	buf.WriteString(a.Key)
	buf.WriteByte('=')
	buf.WriteString(FormatValue(a.Value))
}
