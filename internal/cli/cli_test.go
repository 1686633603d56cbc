package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsai-detect/backend/internal/evaluation"
	"github.com/nsai-detect/backend/internal/storage/models"
)

// sceneServer answers every tile with a ship next to a harbor.
func sceneServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"detections": []map[string]interface{}{
				{"class_id": 1, "class_name": "ship", "confidence": 0.6, "box": []float64{10, 10, 60, 60}},
				{"class_id": 7, "class_name": "harbor", "confidence": 0.5, "box": []float64{70, 10, 120, 60}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunEvaluateAndReport(t *testing.T) {
	dir := t.TempDir()
	srv := sceneServer(t)

	rules := filepath.Join(dir, "rules.pl")
	writeFile(t, rules, "confidence_modifier(ship, harbor, 1.25).\n")

	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, fmt.Sprintf(`
sqlite:
  path: %s
detector:
  url: %s/predict
  max_retries: 1
pipeline:
  slice_width: 256
  slice_height: 256
  overlap_ratio: 0.2
  tile_concurrency: 2
  symbolic_reasoning:
    enabled: true
    rules_source: %s
storage:
  results_dir: %s
logging:
  level: error
`, filepath.Join(dir, "nsai.db"), srv.URL, rules, filepath.Join(dir, "results")))

	image := filepath.Join(dir, "scene.png")
	require.NoError(t, imaging.Save(imaging.New(200, 200, color.NRGBA{B: 90, A: 255}), image))

	out, err := execute(t, "run", image, "--config", configPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status: completed")

	var jobID string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Job ") {
			jobID = strings.TrimSuffix(strings.Fields(line)[1], ":")
		}
	}
	require.NotEmpty(t, jobID)

	for _, stage := range models.DetectionStages {
		assert.FileExists(t, filepath.Join(dir, "results", jobID, string(stage), "scene.txt"))
	}
	refined, err := os.ReadFile(filepath.Join(dir, "results", jobID, "refined", "scene.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(refined), "0.750000")
	assert.Contains(t, string(refined), "0.625000")

	out, err = execute(t, "report", jobID, "--config", configPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2, "header and one row for the boost")

	labels := filepath.Join(dir, "labels")
	writeFile(t, filepath.Join(labels, "scene.txt"), "1 0.175 0.175 0.25 0.25\n7 0.475 0.175 0.25 0.25\n")

	out, err = execute(t, "evaluate", jobID, "--config", configPath, "--labels", labels, "--json")
	require.NoError(t, err, out)

	var report evaluation.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	for _, stage := range models.DetectionStages {
		assert.InDelta(t, 1.0, report.Stages[stage].MAP50, 1e-9, string(stage))
	}

	out, err = execute(t, "jobs", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, jobID)

	out, err = execute(t, "rules", "check", rules, "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1 usable rule(s), 0 rejected")

	_, err = execute(t, "rules", "list", "--config", configPath)
	assert.ErrorIs(t, err, errGraphDisabled)
}
