package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/errs"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]int{"folded": 2})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("NOT_FOUND", "version not found", map[string]string{"doc": "workspace:w"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "version not found", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("INVALID_JOIN_CODE", "bad code", map[string]string{"code": "x"}))
	assert.Contains(t, buf.String(), "Error [INVALID_JOIN_CODE]: bad code")
	assert.NotContains(t, buf.String(), "Details:")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error("INVALID_JOIN_CODE", "bad code", map[string]string{"code": "x"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			diag := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: diag,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("opening %s", "notes.db")

			assert.Empty(t, out.String(), "stdout stays parseable")
			if tt.wantLog {
				assert.Contains(t, diag.String(), "opening notes.db")
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestWrapEngineError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantJSON string
	}{
		{"invalid join code", errs.InvalidJoinCode("abc"), ExitFailure, "INVALID_JOIN_CODE"},
		{"insufficient history", errs.InsufficientHistory("workspace:w", 1, 4), ExitFailure, "INSUFFICIENT_HISTORY"},
		{"not found", fmt.Errorf("restore: %w", errs.NotFound("version", "9")), ExitCommandError, "NOT_FOUND"},
		{"storage", errs.StorageWrite("body:a", errors.New("disk full")), ExitCommandError, "STORAGE_WRITE_FAILURE"},
		{"plain", errors.New("boom"), ExitCommandError, "COMMAND_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapEngineError("failed", tt.err)
			assert.Equal(t, tt.wantCode, GetExitCode(err))
			assert.Equal(t, tt.wantJSON, ErrorCode(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "x"))))
	assert.Equal(t, "failed to open database: no such file",
		WrapExitError(ExitCommandError, "failed to open database", errors.New("no such file")).Error())
}
