package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/safechat/internal/bert/berttest"
	"github.com/born-ml/safechat/internal/predict"
)

func runCLI(t *testing.T, stdin string, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("HF_TOKEN", "")
	t.Setenv("ONNXRUNTIME_SHARED_LIBRARY_PATH", "")
	return dir
}

func TestVersionAndUsage(t *testing.T) {
	code, out, _ := runCLI(t, "", "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "safechat "+version)

	code, _, errOut := runCLI(t, "")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Commands:")

	code, _, errOut = runCLI(t, "", "serve")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `unknown command "serve"`)

	code, _, _ = runCLI(t, "", "train", "--epochs", "many")
	assert.Equal(t, 2, code)
}

func TestInspectUsage(t *testing.T) {
	isolate(t)
	code, _, errOut := runCLI(t, "", "inspect")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "usage: safechat inspect")
}

func TestTrainConvertPredict(t *testing.T) {
	dir := isolate(t)
	base := berttest.WriteCheckpoint(t, 11)
	data := berttest.WriteCSV(t)
	model := filepath.Join(dir, "fine-tuned-model")
	pkg := filepath.Join(dir, "FineTunedBERT.mlpkg")

	code, out, errOut := runCLI(t, "", "train",
		"--base-model", base,
		"--dataset", data,
		"--output-dir", model,
		"--epochs", "1",
		"--warmup-steps", "0",
		"--device", "cpu",
		"--log-format", "json",
	)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "model: "+model)
	assert.Contains(t, errOut, "Model fine-tuning complete!!!")

	code, out, errOut = runCLI(t, "", "convert", "--model-dir", model, "-o", pkg)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "package: "+pkg)

	code, out, errOut = runCLI(t, "hello there\n\nwell damn\n", "predict", "-m", pkg, "--engine", "native", "--json")
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first, second predict.Verdict
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "hello there", first.Text)
	assert.Len(t, first.Probabilities, 2)
	assert.Contains(t, []string{predict.SafeMessage, predict.BlockedMessage}, first.Message)
	assert.Equal(t, predict.ProfanityMessage, second.Message)

	code, out, errOut = runCLI(t, "", "predict", "-m", model, "see you soon")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "\t")

	code, out, errOut = runCLI(t, "", "inspect", pkg)
	require.Equal(t, 0, code, errOut)
	var desc inspection
	require.NoError(t, json.Unmarshal([]byte(out), &desc))
	require.NotNil(t, desc.Manifest)
	assert.Equal(t, "iOS15", desc.Manifest.MinimumDeploymentTarget)
	assert.Equal(t, int64(13), desc.Model.OpsetVersion)
	assert.Equal(t, "safechat", desc.Model.ProducerName)
	assert.Equal(t, version, desc.Model.ProducerVersion)
}

func TestCommandFailureExitsOne(t *testing.T) {
	dir := isolate(t)
	code, _, errOut := runCLI(t, "", "convert", "--model-dir", filepath.Join(dir, "missing"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "command failed")
}
