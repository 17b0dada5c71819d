package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVersionCommand(t *testing.T) {
	root := &RootCommand{
		opts: NewOutputOptions(),
	}

	cmd := NewVersionCommand(root)
	assert.NotNil(t, cmd)
	assert.Equal(t, "version", cmd.Use)
}

func TestPrintVersion_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	opts := &OutputOptions{
		Format: OutputText,
		Writer: buf,
	}

	require.NoError(t, printVersion(opts))

	output := buf.String()
	assert.Contains(t, output, "mcpcheck version")
	assert.Contains(t, output, "Commit:")
}

func TestPrintVersion_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	opts := &OutputOptions{
		Format: OutputJSON,
		Writer: buf,
	}

	require.NoError(t, printVersion(opts))

	output := buf.String()
	assert.Contains(t, output, `"version"`)
	assert.Contains(t, output, `"buildDate"`)
	assert.Contains(t, output, `"gitCommit"`)
}

func TestPrintVersion_YAML(t *testing.T) {
	buf := &bytes.Buffer{}
	opts := &OutputOptions{
		Format: OutputYAML,
		Writer: buf,
	}

	require.NoError(t, printVersion(opts))

	output := buf.String()
	assert.Contains(t, output, "version:")
	assert.Contains(t, output, "buildDate:")
	assert.Contains(t, output, "gitCommit:")
}

func TestSetVersion(t *testing.T) {
	oldV, oldD, oldC := GetVersion(), GetBuildDate(), GetGitCommit()
	t.Cleanup(func() { SetVersion(oldV, oldD, oldC) })

	SetVersion("1.2.3", "2026-10-14", "abc123")
	assert.Equal(t, "1.2.3", GetVersion())
	assert.Equal(t, "2026-10-14", GetBuildDate())
	assert.Equal(t, "abc123", GetGitCommit())
}
