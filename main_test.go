package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/stretchr/testify/require"
)

func TestConfigPath(t *testing.T) {
	tests := []struct {
		name     string
		argv     []string
		expected string
	}{
		{
			name:     "separate value",
			argv:     []string{"--api-port", "1337", "--config", "/etc/grape.toml"},
			expected: "/etc/grape.toml",
		},
		{
			name:     "inline value",
			argv:     []string{"--config=/etc/grape.toml"},
			expected: "/etc/grape.toml",
		},
		{
			name:     "missing",
			argv:     []string{"--api-port", "1337"},
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GRAPE_CONFIG", "")
			require.Equal(t, tt.expected, configPath(tt.argv))
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "grape.toml")
	content := `
host = "127.0.0.1"
dht_port = 30001
dht_bootstrap = ["127.0.0.1:30002", "127.0.0.1:30003"]
dht_maxTables = 100
dht_nodeLiveness = "1m"
api_port = 30000
timeslot = "30s"
log_level = "DEBUG"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	args := defaultArguments()
	require.NoError(t, loadConfigFile(path, args))
	require.Equal(t, "127.0.0.1", args.Host)
	require.Equal(t, 30001, args.DHTPort)
	require.Equal(t, []string{"127.0.0.1:30002", "127.0.0.1:30003"}, args.DHTBootstrap)
	require.Equal(t, 100, args.DHTMaxTables)
	require.Equal(t, 10, args.DHTConcurrency)
	require.Equal(t, time.Minute, args.DHTNodeLiveness)
	require.Equal(t, 30000, args.APIPort)
	require.Equal(t, 30*time.Second, args.Timeslot)
	require.Equal(t, ":9090", args.MetricsAddr)
	require.Equal(t, slog.LevelDebug, args.LogLevel)

	p, err := arg.NewParser(arg.Config{}, args)
	require.NoError(t, err)
	require.NoError(t, p.Parse([]string{"--api-port", "31000"}))
	require.Equal(t, 31000, args.APIPort)
	require.Equal(t, 30001, args.DHTPort)

	cfg := args.nodeConfig()
	require.Equal(t, 61*time.Second, cfg.CacheMaxAge())
}

func TestLoadConfigFileDurations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		content          string
		expectedTimeslot time.Duration
		expectedLiveness time.Duration
	}{
		{
			name:             "integer milliseconds",
			content:          "timeslot = 10000\ndht_nodeLiveness = 300000",
			expectedTimeslot: 10 * time.Second,
			expectedLiveness: 5 * time.Minute,
		},
		{
			name:             "duration strings",
			content:          "timeslot = \"1m\"\ndht_nodeLiveness = \"90s\"",
			expectedTimeslot: time.Minute,
			expectedLiveness: 90 * time.Second,
		},
		{
			name:             "mixed",
			content:          "timeslot = 250\ndht_nodeLiveness = \"2m\"",
			expectedTimeslot: 250 * time.Millisecond,
			expectedLiveness: 2 * time.Minute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "grape.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			args := defaultArguments()
			require.NoError(t, loadConfigFile(path, args))
			require.Equal(t, tt.expectedTimeslot, args.Timeslot)
			require.Equal(t, tt.expectedLiveness, args.DHTNodeLiveness)
		})
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.Error(t, loadConfigFile(filepath.Join(dir, "missing.toml"), defaultArguments()))

	path := filepath.Join(dir, "invalid.toml")
	require.NoError(t, os.WriteFile(path, []byte(`timeslot = "soon"`), 0o600))
	require.Error(t, loadConfigFile(path, defaultArguments()))

	require.NoError(t, os.WriteFile(path, []byte(`timeslot = -5`), 0o600))
	require.Error(t, loadConfigFile(path, defaultArguments()))

	require.NoError(t, os.WriteFile(path, []byte(`timeslot = true`), 0o600))
	require.Error(t, loadConfigFile(path, defaultArguments()))

	require.NoError(t, os.WriteFile(path, []byte(`api_port = `), 0o600))
	require.Error(t, loadConfigFile(path, defaultArguments()))
}
