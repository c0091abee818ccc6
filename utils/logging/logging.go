package logging

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

type LogCode string

const (
	SYSTEM LogCode = "SYSTEM"

	// Model graph and lifecycle.
	MODEL_CREATE LogCode = "MODEL_CREATE"
	MODEL_DELETE LogCode = "MODEL_DELETE"
	MODEL_STATUS LogCode = "MODEL_STATUS"

	// Job dispatch and status sync.
	JOB_DISPATCH LogCode = "JOB_DISPATCH"
	JOB_STOP     LogCode = "JOB_STOP"
	JOB_SYNC     LogCode = "JOB_SYNC"

	LICENSE LogCode = "LICENSE"

	// Generation gateway.
	LLM_GENERATE LogCode = "LLM_GENERATE"
	LLM_PROVIDER LogCode = "LLM_PROVIDER"
)

// VictoriaLogs has fixed field name for time (_time) and message(_msg). This function maps fields msg -> _msg and time -> _time.
func convertKeysToVictoriaLogs(keys []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{Key: "_time", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))}
	}
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "_msg", Value: a.Value}
	}
	return a
}

func GetVictoriaLogsOptions(addSource bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: convertKeysToVictoriaLogs,
		AddSource:   addSource,
	}
}

// Init installs a default logger writing json to logFile (if non nil) and text
// to stderr. The attrs are attached to every json record and are used for
// filtering logs by service.
func Init(logFile io.Writer, verbose bool, attrs ...slog.Attr) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if logFile == nil {
		slog.SetDefault(slog.New(textHandler))
		return
	}

	var jsonHandler slog.Handler = slog.NewJSONHandler(logFile, GetVictoriaLogsOptions(verbose))
	jsonHandler = jsonHandler.WithAttrs(attrs)

	logger := slog.New(slogmulti.Fanout(jsonHandler, textHandler))
	slog.SetDefault(logger)
}
