package mut

import (
	"io"

	"github.com/rs/zerolog"
)

// NewLogger builds the package's console logger at the given level. The
// CLI is the only caller; the engine and fixup layer always take a
// zerolog.Logger as an explicit parameter, never a package-level global
// (§9 "no global state" extends to logging).
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: false}).
		Level(level).
		With().Timestamp().Logger()
}

// ParseLevel maps the CLI's --log-level flag value to a zerolog.Level,
// defaulting to Info for anything unrecognized.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
