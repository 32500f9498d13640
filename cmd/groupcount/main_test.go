package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NivBraz/groupcount-service/internal/models"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cql, rpc := freePort(t), freePort(t)
	for rpc == cql {
		rpc = freePort(t)
	}
	data := fmt.Sprintf(`
extractor:
  cqlPort: %d
  rpcPort: %d
store:
  dataDir: %s
session:
  master: "local[2]"
  partitions: 2
`, cql, rpc, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd_Executes(t *testing.T) {
	originalVersion := version
	version = "test-version-1.0.0"
	defer func() { version = originalVersion }()

	out, err := execute(t, "version")
	assert.NoError(t, err)
	assert.Contains(t, out, "groupcount version test-version-1.0.0")
}

func TestLoggerConfig(t *testing.T) {
	dev := loggerConfig(true)
	assert.True(t, dev.Development)
	assert.Equal(t, zap.DebugLevel, dev.Level.Level())
	assert.False(t, dev.DisableStacktrace)

	prod := loggerConfig(false)
	assert.False(t, prod.Development)
	assert.Equal(t, zap.InfoLevel, prod.Level.Level())
	assert.Equal(t, "console", prod.Encoding)
	assert.True(t, prod.DisableStacktrace)

	logger, err := dev.Build()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestSeedAndRun(t *testing.T) {
	path := writeConfig(t)
	fixtures := filepath.Join("..", "..", "testdata", "tweets.yaml")

	out, err := execute(t, "seed", fixtures, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Seeded 6 tweets into test.tweets")

	out, err = execute(t, "run", "--config", path)
	require.NoError(t, err)

	var result models.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "author", result.Column)
	assert.Equal(t, 6, result.Stats.Records)
	require.NotEmpty(t, result.Counts)
	assert.Equal(t, models.GroupCount{Key: "raffenne", Count: 3}, result.Counts[0])
}

func TestRun_ColumnFlagOverride(t *testing.T) {
	path := writeConfig(t)
	fixtures := filepath.Join("..", "..", "testdata", "tweets.yaml")
	_, err := execute(t, "seed", fixtures, "--config", path)
	require.NoError(t, err)

	out, err := execute(t, "run", "--config", path, "--column", "tweet_date", "--master", "local")
	require.NoError(t, err)

	var result models.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "tweet_date", result.Column)
	assert.Equal(t, []models.GroupCount{
		{Key: "2014-02-13", Count: 5},
		{Key: "2014-02-14", Count: 1},
	}, result.Counts)
}

func TestRun_InvalidFlag(t *testing.T) {
	path := writeConfig(t)

	_, err := execute(t, "run", "--config", path, "--master", "yarn")
	assert.Error(t, err)

	_, err = execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSeed_RequiresFile(t *testing.T) {
	_, err := execute(t, "seed")
	assert.Error(t, err)
}
