// Package logging provides the slog handler the pipeline binaries use: one
// JSON object per line, with groups flattened into dotted keys so log lines
// stay grep-able.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures a Handler.
type Options struct {
	Level slog.Leveler
	// Pretty indents each record. Useful when a human is tailing the log.
	Pretty bool
	// AddSource appends a compact file:line field.
	AddSource bool
}

// Handler writes one JSON object per record. Group names become key prefixes
// ("search.sims" rather than a nested object), which keeps every field at the
// top level for grep and jq.
type Handler struct {
	w    io.Writer
	mu   *sync.Mutex
	opts Options

	prefix string
	attrs  []slog.Attr
}

func NewHandler(w io.Writer, opts Options) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	return &Handler{w: w, mu: &sync.Mutex{}, opts: opts}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, 4+len(h.attrs)+r.NumAttrs())

	when := r.Time
	if when.IsZero() {
		when = time.Now()
	}
	fields["time"] = when.Format(time.RFC3339Nano)
	fields["level"] = r.Level.String()
	fields["msg"] = r.Message
	if h.opts.AddSource && r.PC != 0 {
		if src := compactSource(r.PC); src != "" {
			fields["source"] = src
		}
	}

	// Stored attrs already carry their prefix from WithAttrs.
	for _, a := range h.attrs {
		flatten(fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(fields, h.prefix, a)
		return true
	})

	var (
		payload []byte
		err     error
	)
	if h.opts.Pretty {
		payload, err = json.MarshalIndent(fields, "", "  ")
	} else {
		payload, err = json.Marshal(fields)
	}
	if err != nil {
		// Never drop a record over an unmarshalable attr.
		payload = []byte(`{"level":` + strconv.Quote(r.Level.String()) +
			`,"msg":` + strconv.Quote(r.Message) + `}`)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(payload, '\n'))
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), prefixAll(h.prefix, attrs)...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// flatten resolves an attr into dotted top-level keys.
func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return
	}

	if v.Kind() == slog.KindGroup {
		childPrefix := prefix
		if a.Key != "" {
			childPrefix = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, childPrefix, ga)
		}
		return
	}

	dst[prefix+a.Key] = plainValue(v)
}

func plainValue(v slog.Value) any {
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
		return v.Time().Format(time.RFC3339Nano)
	default:
		return v.Any()
	}
}

func prefixAll(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func compactSource(pc uintptr) string {
	frames := runtime.CallersFrames([]uintptr{pc})
	f, _ := frames.Next()
	if f.File == "" {
		return ""
	}
	file := f.File
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return file + ":" + strconv.Itoa(f.Line)
}
