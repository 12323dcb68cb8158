package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rjboer/rfsim/internal/config"
	"github.com/rjboer/rfsim/internal/iqrecord"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func envMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestParseConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, err := parseConfig(nil, envMap(map[string]string{"RFSIM_CONFIG": path}))
	require.NoError(t, err)
	require.Equal(t, path, cfg.configPath)
	require.Equal(t, 4043, cfg.sim.Transport.Port)
	require.False(t, cfg.sim.IsServer())
	require.Equal(t, 1e6, cfg.app.ToneOffset)
	require.Equal(t, 30.72e6, cfg.app.SampleRate)
	require.Equal(t, 1, cfg.app.RxAntennas)
}

func TestParseConfigLayersFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rfsim.yaml")
	file := config.Default()
	file.Transport.Port = 5000
	file.Transport.SampleRate = 1e6
	file.Transport.ServerAddr = "server"
	require.NoError(t, file.Save(path))

	env := envMap(map[string]string{
		"RFSIM_PORT":        "5001",
		"RFSIM_NUM_SAMPLES": "1024",
		"RFSIM_SILENT":      "true",
	})
	cfg, err := parseConfig([]string{"-serverport", "5002", "--config=" + path, "-tone-offset", "2e5"}, env)
	require.NoError(t, err)
	require.Equal(t, 5002, cfg.sim.Transport.Port)
	require.True(t, cfg.sim.IsServer())
	require.Equal(t, 1e6, cfg.app.SampleRate)
	require.Equal(t, 1024, cfg.app.NumSamples)
	require.Equal(t, 2e5, cfg.app.ToneOffset)
	require.True(t, cfg.app.Silent)
}

func TestParseConfigRejectsUnknownFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := parseConfig([]string{"-config", path, "-bogus"}, envMap(nil))
	require.Error(t, err)
}

func TestFilterConfigFlag(t *testing.T) {
	got := filterConfigFlag([]string{"-ploss", "3", "-config", "a.yaml", "-saviq", "--config=b.yaml", "config"})
	require.Equal(t, []string{"-config", "a.yaml", "--config=b.yaml"}, got)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRunServerAloneRecordsItsWrites(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rfsim.yaml")
	recPath := filepath.Join(dir, "out.iqs")
	port := freePort(t)

	var stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := run(ctx, []string{
		"-config", cfgPath,
		"-save-config",
		"-serveraddr", "server",
		"-serverport", strconv.Itoa(port),
		"-sample-rate", "1e6",
		"-tone-offset", "1e5",
		"-num-samples", "128",
		"-iterations", "3",
		"-saviq",
		"-IQfile", recPath,
		"-log-format", "json",
	}, envMap(nil), &stderr)
	require.NoError(t, err)
	require.Contains(t, stderr.String(), "tone loop stopped")
	require.Contains(t, stderr.String(), "recording closed")

	saved, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, port, saved.Transport.Port)
	require.True(t, saved.Record.Enabled)

	rp, err := iqrecord.Open(recPath)
	require.NoError(t, err)
	defer rp.Close()
	blocks, err := rp.All()
	require.NoError(t, err)
	// the priming buffer plus one answer per iteration
	require.Len(t, blocks, 4)
	for i, b := range blocks {
		require.Equal(t, uint64(i*128), b.Header.Timestamp)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	err := run(context.Background(), []string{"-config", path, "-tx-antennas", "0"}, envMap(nil), os.Stderr)
	require.ErrorIs(t, err, config.ErrInvalid)
}
