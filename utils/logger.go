package utils

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdobak/go-xerrors"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
	logLevel   = new(slog.LevelVar)
)

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// GetLogger returns the process-wide structured logger. Errors logged with
// slog.Any("error", err) are expanded with their xerrors stack trace.
func GetLogger() *slog.Logger {
	loggerOnce.Do(func() {
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:       logLevel,
			ReplaceAttr: replaceAttr,
		})
		logger = slog.New(handler)
	})
	return logger
}

// SetLogLevel changes the level of the shared logger. Unknown names map to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if err, ok := a.Value.Any().(error); ok {
			a.Value = fmtErr(err)
		}
	}
	return a
}

func fmtErr(err error) slog.Value {
	attrs := []slog.Attr{slog.String("msg", err.Error())}
	if frames := marshalStack(err); frames != nil {
		attrs = append(attrs, slog.Any("trace", frames))
	}
	return slog.GroupValue(attrs...)
}

func marshalStack(err error) []stackFrame {
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}

	frames := trace.Frames()
	out := make([]stackFrame, len(frames))
	for i, f := range frames {
		out[i] = stackFrame{
			Source: filepath.Join(filepath.Base(filepath.Dir(f.File)), filepath.Base(f.File)),
			Func:   filepath.Base(f.Function),
			Line:   f.Line,
		}
	}
	return out
}
