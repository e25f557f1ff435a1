package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"bogus":   zerolog.InfoLevel,
		" INFO ":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitSetsComponent(t *testing.T) {
	prevTerminal := isTerminalFn
	isTerminalFn = func(int) bool { return false }
	t.Cleanup(func() { isTerminalFn = prevTerminal })

	logger := Init(Config{Format: "json", Level: "debug", Component: "test"})
	if logger.GetLevel() > zerolog.DebugLevel {
		t.Errorf("expected debug level to be enabled")
	}
	if Logger().GetLevel() != logger.GetLevel() {
		t.Errorf("Logger() should return the initialized logger")
	}
}
