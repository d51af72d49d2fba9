package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, "rpcgate", logger.serviceName)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(&Config{Level: "not-a-level", Format: "json", Output: "stdout"})
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	_, err := NewLogger(&Config{Level: "info", Format: "xml", Output: "stdout"})
	assert.Error(t, err)
}

func TestLogger_JSONOutput(t *testing.T) {
	logger, err := NewLogger(&Config{
		Level:       "debug",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "rpcgate-test",
		Version:     "0.0.1",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("provider selected", "provider", "primary", "strategy", "priority")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "provider selected", entry["message"])
	assert.Equal(t, "primary", entry["provider"])
	assert.Equal(t, "rpcgate-test", entry["service"])
}

func TestLogger_WithContext(t *testing.T) {
	logger, err := NewLogger(&Config{Level: "info", Format: "json", Output: "stdout"})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithProvider(ctx, "backup")
	logger.WithContext(ctx).Info("dispatching call")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "backup", entry["provider"])
}

func TestLogRateLimitEvent_LevelDependsOnDecision(t *testing.T) {
	logger, err := NewLogger(&Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.LogRateLimitEvent(context.Background(), "admission", "10.0.0.1", false, nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, false, entry["allowed"])
}
