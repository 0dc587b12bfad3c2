package logger

import (
	"context"
	"encoding/json"
	"io"
	stdlog "log"
	"os"

	"github.com/fatih/color"
	"golang.org/x/exp/slog"
	"golang.org/x/term"
)

const timeFormat = "15:04:05.000"

type prettyHandler struct {
	slog.Handler
	l     *stdlog.Logger
	attrs []slog.Attr
}

func newPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *prettyHandler {
	if f, ok := out.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		color.NoColor = true
	}
	return &prettyHandler{
		Handler: slog.NewJSONHandler(out, opts),
		l:       stdlog.New(out, "", 0),
	}
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch {
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	fields := make(map[string]interface{}, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	var payload string
	if len(fields) > 0 {
		b, err := json.MarshalIndent(fields, "", "  ")
		if err != nil {
			return err
		}
		payload = color.WhiteString(string(b))
	}

	h.l.Println(
		r.Time.Format("["+timeFormat+"]"),
		level,
		color.CyanString(r.Message),
		payload,
	)
	return nil
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &prettyHandler{
		Handler: h.Handler.WithAttrs(attrs),
		l:       h.l,
		attrs:   merged,
	}
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	return &prettyHandler{
		Handler: h.Handler.WithGroup(name),
		l:       h.l,
		attrs:   h.attrs,
	}
}
