package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    logger.LogLevel
		wantErr bool
	}{
		{"debug", logger.DebugLevel, false},
		{"info", logger.InfoLevel, false},
		{"", logger.InfoLevel, false},
		{"warning", logger.WarnLevel, false},
		{"error", logger.ErrorLevel, false},
		{"verbose", logger.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := logger.ParseLevel(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComponentLogger(t *testing.T) {
	logger.SetLogLevel(logger.DebugLevel)

	var buf bytes.Buffer
	log := logger.New(&buf, logger.InfoLevel).With("engine")

	log.Debug().Msg("hidden")
	log.Info().Int("intensity", 42).Msg("sample")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "sample", entry["message"])
	assert.EqualValues(t, 42, entry["intensity"])
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.DebugLevel)

	log.ErrorWithCode(errors.New().New(errors.ErrSourceUnavailable)).Msg("tick degraded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "source_unavailable", entry["error_code"])
	assert.Equal(t, "Capture source unavailable", entry["error_message"])
}
