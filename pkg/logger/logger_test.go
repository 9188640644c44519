package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Setup("production", "debug")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("level = %s, want debug", zerolog.GlobalLevel())
	}

	Setup("development", "nonsense")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("invalid level should fall back to info, got %s", zerolog.GlobalLevel())
	}
}
