package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "default", cfg: Default()},
		{name: "console debug", cfg: Config{Level: "debug", Format: "console"}},
		{name: "bad level", cfg: Config{Level: "loud", Format: "json"}, wantErr: "logging.level"},
		{name: "bad format", cfg: Config{Level: "info", Format: "xml"}, wantErr: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: "info", Format: "json", Fields: map[string]string{"service": "govexec"}}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("execution completed")
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug is below the configured level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "execution completed", entry["msg"])
	assert.Equal(t, "govexec", entry["service"])
	assert.Contains(t, entry, "ts")
	assert.Contains(t, entry, "caller")
}

func TestNewWithWriterConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	logger.Debug("saga step retry")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "saga step retry")
	assert.Contains(t, buf.String(), "DEBUG")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
