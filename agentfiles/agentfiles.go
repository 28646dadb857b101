// Package agentfiles manages the per-agent markdown directory holding
// SOUL.md, INSTRUCTIONS.md and CONTEXT.md plus any user additions.
// These files are the raw material for pipeline prompts.
package agentfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// StandardFiles exist in every agent directory and cannot be deleted.
var StandardFiles = []string{"SOUL.md", "INSTRUCTIONS.md", "CONTEXT.md"}

const soulTemplate = `# %s — Soul

You are **%s**, a %s agent in the ZeroClaw autonomous task system.

## Personality
- Professional and focused
- Clear and concise in communication
- Thorough in your work

## Values
- Accuracy over speed
- Completeness over brevity when it matters
- Always explain your reasoning
`

const instructionsTemplate = `# %s — Instructions

## Role
You are the **%s** agent. Your primary responsibilities:

%s

## Output Format
- Return your output in markdown
- Include a short "Result" section first with a summary
- Be specific and actionable
`

const contextTemplate = `# %s — Context

## Project Context
This agent operates within the ZeroClaw task management system.

## Conventions
- Follow existing code patterns and project conventions
- Use the tech stack already established in the project
`

var roleInstructions = map[string]string{
	"programming": "- Write clean, well-structured code\n" +
		"- Include full file paths and complete code blocks\n" +
		"- Handle edge cases and error conditions\n" +
		"- Follow existing project patterns and conventions",
	"architecture": "- Make high-level design decisions\n" +
		"- Identify tradeoffs between approaches\n" +
		"- Create concrete implementation plans\n" +
		"- Consider scalability, maintainability, and security",
	"reviewing": "- Thoroughly review code and deliverables\n" +
		"- Identify bugs, issues, and risks\n" +
		"- Propose specific fixes and improvements\n" +
		"- Give a clear PASS or FAIL verdict",
	"reporting": "- Summarize work clearly and concisely\n" +
		"- Highlight key findings and next steps\n" +
		"- Use structured formatting for readability\n" +
		"- Include metrics where available",
}

// Dir manages agent directories under one root (normally data/agents).
type Dir struct {
	root string
}

// New creates a Dir rooted at root.
func New(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) agentDir(name string) string {
	return filepath.Join(d.root, name)
}

// Ensure creates the agent directory and its standard files when they
// do not yet exist.
func (d *Dir) Ensure(name, role string) error {
	dir := d.agentDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create agent dir for %s: %w", name, err)
	}
	for _, f := range StandardFiles {
		path := filepath.Join(dir, f)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(defaultContent(f, name, role)), 0644); err != nil {
			return fmt.Errorf("failed to write %s for %s: %w", f, name, err)
		}
	}
	return nil
}

// List returns the agent's markdown files, sorted by name. A missing
// directory yields an empty list.
func (d *Dir) List(name string) ([]string, error) {
	entries, err := os.ReadDir(d.agentDir(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list agent files for %s: %w", name, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Read returns a file's content, or "" when it does not exist.
func (d *Dir) Read(name, filename string) string {
	b, err := os.ReadFile(filepath.Join(d.agentDir(name), filename))
	if err != nil {
		return ""
	}
	return string(b)
}

// Write creates or replaces an agent file.
func (d *Dir) Write(name, filename, content string) error {
	dir := d.agentDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create agent dir for %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s for %s: %w", filename, name, err)
	}
	return nil
}

// Delete removes a custom agent file. Standard files are kept; the
// return value reports whether anything was deleted.
func (d *Dir) Delete(name, filename string) (bool, error) {
	for _, f := range StandardFiles {
		if f == filename {
			return false, nil
		}
	}
	path := filepath.Join(d.agentDir(name), filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("failed to delete %s for %s: %w", filename, name, err)
	}
	return true, nil
}

// Rename moves an agent's directory when the agent is renamed. A
// missing source or existing target is a no-op.
func (d *Dir) Rename(oldName, newName string) error {
	oldDir := d.agentDir(oldName)
	newDir := d.agentDir(newName)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(newDir); err == nil {
		return nil
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("failed to rename agent dir %s to %s: %w", oldName, newName, err)
	}
	return nil
}

// SystemPrompt concatenates the agent's standard files into the prompt
// preamble, ensuring defaults exist first.
func (d *Dir) SystemPrompt(name, role string) (string, error) {
	if err := d.Ensure(name, role); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, f := range StandardFiles {
		content := strings.TrimSpace(d.Read(name, f))
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	return b.String(), nil
}

func defaultContent(filename, name, role string) string {
	switch filename {
	case "SOUL.md":
		return fmt.Sprintf(soulTemplate, name, name, role)
	case "INSTRUCTIONS.md":
		instr, ok := roleInstructions[strings.ToLower(strings.TrimSpace(role))]
		if !ok {
			instr = "- Complete tasks as assigned\n- Be thorough and accurate"
		}
		return fmt.Sprintf(instructionsTemplate, name, role, instr)
	case "CONTEXT.md":
		return fmt.Sprintf(contextTemplate, name)
	default:
		return fmt.Sprintf("# %s — %s\n\n(Custom file)\n", name, filename)
	}
}
