package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode selects the handler used for operator-facing output.
type Mode int

const (
	// ModeText renders one terse line per record, suited to a terminal.
	ModeText Mode = iota
	// ModeJSON renders records as JSON objects.
	ModeJSON
)

// New builds a logger writing to w. A nil level means slog.LevelInfo.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}
	if mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&textHandler{shared: &sync.Mutex{}, writer: w, level: level})
}

// Ensure returns logger, or the process default when logger is nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps the --log-level flag values onto slog levels.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// ParseMode maps the --log-format flag values onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text":
		return ModeText, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeText, fmt.Errorf("unknown log format %q", value)
	}
}

type textHandler struct {
	shared *sync.Mutex
	writer io.Writer
	level  slog.Leveler
	prefix string // pre-rendered attrs from WithAttrs
	group  string
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%-5s", record.Level.String()))
	b.WriteByte(' ')
	b.WriteString(record.Message)
	b.WriteString(h.prefix)
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, h.group, attr)
		return true
	})
	b.WriteByte('\n')

	h.shared.Lock()
	defer h.shared.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, attr := range attrs {
		writeAttr(&b, h.group, attr)
	}
	clone := *h
	clone.prefix = b.String()
	return &clone
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.group = joinKey(h.group, name)
	return &clone
}

func writeAttr(b *strings.Builder, group string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := joinKey(group, attr.Key)
		for _, inner := range value.Group() {
			writeAttr(b, nested, inner)
		}
		return
	}
	if attr.Key == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(joinKey(group, attr.Key))
	b.WriteByte('=')
	b.WriteString(formatValue(value))
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

func formatValue(value slog.Value) string {
	var text string
	switch value.Kind() {
	case slog.KindString:
		text = value.String()
	case slog.KindDuration:
		text = value.Duration().String()
	case slog.KindTime:
		text = value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			text = err.Error()
		} else {
			text = fmt.Sprint(value.Any())
		}
	default:
		text = value.String()
	}
	if text == "" || strings.ContainsAny(text, " \t\"=") {
		return strconv.Quote(text)
	}
	return text
}
