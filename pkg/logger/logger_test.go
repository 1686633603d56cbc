package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nsai.log")
	require.NoError(t, Init("info", "json", path))
	t.Cleanup(func() { Log = zap.NewNop() })

	Debug("Dropped below level")
	Info("Job completed", zap.String("job_id", "j1"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"Job completed"`)
	assert.Contains(t, string(data), `"job_id":"j1"`)
	assert.NotContains(t, string(data), "Dropped below level")
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init("loud", "json", "stdout"))
}
