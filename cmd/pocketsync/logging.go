package main

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/pocketsync/internal/utils"
)

var consoleHandler slog.Handler

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func setupConsoleLog(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	consoleHandler = tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isTerminal(w),
	})
	slog.SetDefault(slog.New(consoleHandler))
}

type logFile struct {
	file        *os.File
	interceptor *utils.LogInterceptor
}

// Close detaches the file and leaves the console as the only log output.
func (l *logFile) Close() error {
	if consoleHandler != nil {
		slog.SetDefault(slog.New(consoleHandler))
	}
	return errors.Join(l.interceptor.Close(), l.file.Close())
}

// attachLogFile truncates the run log at path and sends every record at
// debug level and above to it, next to the console.
func attachLogFile(path string) (io.Closer, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	handlers := []slog.Handler{fileHandler}
	if consoleHandler != nil {
		handlers = append(handlers, consoleHandler)
	}
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return &logFile{file: file, interceptor: interceptor}, nil
}
