package logging

import (
	"io"
	"log/slog"
	"os"

	"gorm.io/gorm"
)

// Setup initializes the global slog logger with JSON output to stdout.
func Setup() {
	slog.SetDefault(slog.New(stdoutHandler(os.Stdout)))
}

// SetupWithDB adds the system_logs sink next to stdout and returns it so the
// caller can stop it on shutdown.
func SetupWithDB(db *gorm.DB, out io.Writer) *DBHandler {
	stdout := stdoutHandler(out)
	dbHandler := newDBHandler(db, flushInterval, stdout)
	slog.SetDefault(slog.New(NewMultiHandler(stdout, dbHandler)))
	return dbHandler
}

func stdoutHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
}
