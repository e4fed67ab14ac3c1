package observability

import (
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below slog.LevelDebug and carries per-reading detail
// such as successful persists.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"TRACE":   LevelTrace,
	"FINEST":  LevelTrace,
	"FINER":   LevelTrace,
	"DEBUG":   slog.LevelDebug,
	"FINE":    slog.LevelDebug,
	"CONFIG":  slog.LevelDebug,
	"INFO":    slog.LevelInfo,
	"WARN":    slog.LevelWarn,
	"WARNING": slog.LevelWarn,
	"ERROR":   slog.LevelError,
	"SEVERE":  slog.LevelError,
}

// ParseLevel maps a level name (case-insensitive) to a slog level.
// FINEST, FINER, FINE, CONFIG and SEVERE are accepted as aliases.
func ParseLevel(name string) (slog.Level, bool) {
	lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(name))]
	return lvl, ok
}

// NewLogger builds a JSON or text logger writing to w. Unknown level names
// fall back to info.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel,
	}

	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// replaceLevel renders LevelTrace as "TRACE" instead of "DEBUG-4".
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
