package cli

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with an empty environment and a missing
// dotenv file, so only flags and defaults shape the configuration.
func execute(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	opts := &RootOptions{LookupEnv: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}
	cmd := newRootCommand(opts)
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "notesync", cmd.Use)
	assert.Contains(t, cmd.Long, "Replication engine")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"relay", "sync", "history", "diff", "restore", "compact", "files", "join-code", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "env-file", "db"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, nil, "join-code", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigResolution(t *testing.T) {
	opts := &RootOptions{
		Database: "override.db",
		LookupEnv: func(k string) (string, bool) {
			if k == "NOTESYNC_LOG_FORMAT" {
				return "json", true
			}
			return "", false
		},
	}
	var stderr bytes.Buffer
	require.NoError(t, opts.resolve(&stderr))

	assert.Equal(t, "override.db", opts.Config.Database.DSN, "--db beats the configured DSN")
	assert.Equal(t, "json", opts.Config.LogFormat)

	opts.Logger.Info("hello", "doc", "workspace:w")
	assert.Contains(t, stderr.String(), `"msg":"hello"`)
}

func TestConfigResolution_InvalidEnv(t *testing.T) {
	_, err := execute(t, map[string]string{"NOTESYNC_DB_DRIVER": "oracle"}, "files")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestVerboseLogsDebug(t *testing.T) {
	opts := &RootOptions{Verbose: true, LookupEnv: func(string) (string, bool) { return "", false }}
	var stderr bytes.Buffer
	require.NoError(t, opts.resolve(&stderr))

	opts.Logger.Debug("detail")
	assert.Contains(t, stderr.String(), "level=DEBUG")
}
