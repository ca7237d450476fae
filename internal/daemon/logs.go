package daemon

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging installs the default slog handler. Output goes to stderr and,
// when logFile is set, to a size rotated file as well. The returned closer
// releases the log file.
func SetupLogging(verbose bool, logFile string) io.Closer {
	handler, closer := newLogHandler(os.Stderr, isatty.IsTerminal(os.Stderr.Fd()), verbose, logFile)
	slog.SetDefault(slog.New(handler))
	return closer
}

func newLogHandler(stderr io.Writer, terminal, verbose bool, logFile string) (slog.Handler, io.Closer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	noColor := !terminal

	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(stderr, rotator)
		closer = rotator
		noColor = true
	}

	return tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	}), closer
}
