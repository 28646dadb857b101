package agentfiles

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureCreatesStandardFiles(t *testing.T) {
	d := New(t.TempDir())

	require.NoError(t, d.Ensure("Programmer", "programming"))

	files, err := d.List("Programmer")
	require.NoError(t, err)
	require.Equal(t, []string{"CONTEXT.md", "INSTRUCTIONS.md", "SOUL.md"}, files)

	soul := d.Read("Programmer", "SOUL.md")
	require.Contains(t, soul, "You are **Programmer**, a programming agent")

	instructions := d.Read("Programmer", "INSTRUCTIONS.md")
	require.Contains(t, instructions, "Write clean, well-structured code")
}

func TestEnsureKeepsEdits(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Ensure("Reviewer", "reviewing"))

	require.NoError(t, d.Write("Reviewer", "SOUL.md", "custom soul"))
	require.NoError(t, d.Ensure("Reviewer", "reviewing"))

	require.Equal(t, "custom soul", d.Read("Reviewer", "SOUL.md"))
}

func TestUnknownRoleGetsGenericInstructions(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Ensure("Helper", "general"))

	require.Contains(t, d.Read("Helper", "INSTRUCTIONS.md"), "Complete tasks as assigned")
}

func TestDeleteProtectsStandardFiles(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Ensure("Architect", "architecture"))
	require.NoError(t, d.Write("Architect", "NOTES.md", "scratch"))

	deleted, err := d.Delete("Architect", "SOUL.md")
	require.NoError(t, err)
	require.False(t, deleted)
	require.NotEmpty(t, d.Read("Architect", "SOUL.md"))

	deleted, err = d.Delete("Architect", "NOTES.md")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = d.Delete("Architect", "NOTES.md")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestRename(t *testing.T) {
	root := t.TempDir()
	d := New(root)
	require.NoError(t, d.Ensure("Old", "general"))

	require.NoError(t, d.Rename("Old", "New"))
	_, err := os.Stat(filepath.Join(root, "New", "SOUL.md"))
	require.NoError(t, err)

	// Renaming a missing source is a no-op.
	require.NoError(t, d.Rename("Gone", "Other"))
}

func TestSystemPrompt(t *testing.T) {
	d := New(t.TempDir())

	prompt, err := d.SystemPrompt("Programmer", "programming")
	require.NoError(t, err)

	// Soul first, then instructions, then context.
	soulIdx := strings.Index(prompt, "Soul")
	instrIdx := strings.Index(prompt, "Instructions")
	ctxIdx := strings.Index(prompt, "Context")
	require.True(t, soulIdx >= 0 && instrIdx > soulIdx && ctxIdx > instrIdx)
}
