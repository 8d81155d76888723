package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesJSONToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, closer, err := InitLogger(dir, true)
	require.NoError(t, err)

	logger.Debug("poll tick", "run_id", 7)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "pulseml.log"))
	require.NoError(t, err)
	line := string(data)
	require.True(t, strings.Contains(line, `"msg":"poll tick"`), line)
	require.True(t, strings.Contains(line, `"run_id":7`), line)
	require.True(t, strings.Contains(line, `"service":"pulseml"`), line)
}

func TestInitTelemetry(t *testing.T) {
	dir := t.TempDir()

	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir)
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.NotNil(t, meter)

	_, span := tracer.Start(context.Background(), "test_span")
	span.End()
	require.NoError(t, cleanup())

	_, err = os.Stat(filepath.Join(dir, "pulseml_traces.log"))
	require.NoError(t, err)
}
