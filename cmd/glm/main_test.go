package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-glm/internal/config"
)

func buildEngine(t *testing.T, args ...string) string {
	t.Helper()
	dir := t.TempDir()
	app := &cli.Command{Name: "glm", Commands: []*cli.Command{buildCmd()}}
	argv := append([]string{"glm", "build", "--output-dir", dir, "--max-input-len", "8", "--max-output-len", "8"}, args...)
	require.NoError(t, app.Run(context.Background(), argv))
	return dir
}

func TestBuildInspectRun(t *testing.T) {
	dir := buildEngine(t, "--model", "chatglm2_6b", "--paged-kv-cache")

	var buf bytes.Buffer
	require.NoError(t, inspectEngine(&buf, dir, true))
	out := buf.String()
	assert.Contains(t, out, "chatglm2_6b")
	assert.Contains(t, out, "input_ids")
	assert.Contains(t, out, "kv_cache_block_pointers_0")
	assert.Contains(t, out, "rank0.weights.arrow")

	buf.Reset()
	o := &runOptions{engineDir: dir, inputIDs: "1, 2, 3", maxOutputLen: 4, beamWidth: 1, worldSize: 1}
	require.NoError(t, runGenerate(context.Background(), o, &buf))
	assert.Contains(t, buf.String(), "Input Ids: [1 2 3]")
	assert.Contains(t, buf.String(), "Output Ids:")
}

func TestRunRejectsWrongWorldSize(t *testing.T) {
	dir := buildEngine(t, "--model", "chatglm_6b", "--world-size", "2")
	o := &runOptions{engineDir: dir, inputIDs: "1,2", maxOutputLen: 2, beamWidth: 1, worldSize: 1}
	assert.Error(t, runGenerate(context.Background(), o, &bytes.Buffer{}))
}

func TestRunRejectsWrappingPagedCache(t *testing.T) {
	dir := buildEngine(t, "--model", "chatglm3_6b", "--paged-kv-cache")
	o := &runOptions{engineDir: dir, inputIDs: "1,2,3", maxOutputLen: 4, maxKVCacheLen: 4, beamWidth: 1, worldSize: 1}
	err := runGenerate(context.Background(), o, &bytes.Buffer{})
	assert.ErrorContains(t, err, "cannot wrap")
}

func TestRunRequiresInputs(t *testing.T) {
	err := runGenerate(context.Background(), &runOptions{maxOutputLen: 2}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--engine-dir")
	err = runGenerate(context.Background(), &runOptions{engineDir: t.TempDir()}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--max-output-len")
	err = runGenerate(context.Background(), &runOptions{engineDir: t.TempDir(), maxOutputLen: 2}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--input-ids")
}

func TestApplyRunConfigKeepsExplicitFlags(t *testing.T) {
	beam, temp := 5, 0.5
	cfg := config.FileConfig{EngineDir: "/engines/a", BeamWidth: &beam, Temperature: &temp, LogFormat: "json"}

	o := runOptions{}
	cmd := &cli.Command{
		Name: "run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "engine-dir", Destination: &o.engineDir},
			&cli.IntFlag{Name: "beam-width", Value: 1, Destination: &o.beamWidth},
			&cli.Float64Flag{Name: "temperature", Destination: &o.temperature},
			&cli.StringFlag{Name: "log-format", Value: "console", Destination: &o.logFormat},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyRunConfig(c, cfg, &o)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), []string{"run", "--beam-width", "3"}))
	assert.Equal(t, "/engines/a", o.engineDir)
	assert.Equal(t, 3, o.beamWidth)
	assert.InDelta(t, 0.5, o.temperature, 1e-12)
	assert.Equal(t, "json", o.logFormat)
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs("4, 5,6")
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 5, 6}, ids)
	_, err = parseIDs("4,x")
	assert.Error(t, err)
	_, err = parseIDs(" , ")
	assert.Error(t, err)

	assert.Equal(t, []int32{7, 8}, stripEnd([]int32{7, 8, 2, 9}, 2))
}
