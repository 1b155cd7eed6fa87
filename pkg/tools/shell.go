package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// denyPatterns are commands refused regardless of any configured allowlist.
// Sources: common agentic-shell-tool hardening lists (destructive file ops,
// disk/device writes, shutdown/reboot, fork bombs).
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdel\s+/[fq]\b`),
	regexp.MustCompile(`\brmdir\s+/s\b`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

// ExecTool runs a shell command in a working directory, gated by a deny list
// (always on) and an optional allowlist/workspace-restriction layered on top.
type ExecTool struct {
	workspace string
	timeout   time.Duration

	mu             sync.RWMutex
	allowPatterns  []*regexp.Regexp
	restrictToRoot bool
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{
		workspace: workspace,
		timeout:   60 * time.Second,
	}
}

// SetAllowPatterns installs a regexp allowlist: once set, only commands
// matching at least one pattern may run (deny patterns still take
// precedence). Passing an invalid regexp leaves the prior allowlist intact.
func (t *ExecTool) SetAllowPatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid allow pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowPatterns = compiled
	return nil
}

// SetRestrictToWorkspace, when enabled, blocks commands whose text contains a
// path-traversal sequence ("..") from escaping the tool's working directory.
func (t *ExecTool) SetRestrictToWorkspace(restrict bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restrictToRoot = restrict
}

// guardCommand returns a non-empty rejection message if command should not
// run, or "" if it is allowed.
func (t *ExecTool) guardCommand(command, cwd string) string {
	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return fmt.Sprintf("command blocked: matches dangerous pattern %s", pattern.String())
		}
	}

	t.mu.RLock()
	allowPatterns := t.allowPatterns
	restrict := t.restrictToRoot
	t.mu.RUnlock()

	if restrict && (strings.Contains(command, "..") || strings.Contains(command, `..\`)) {
		return "command blocked: path traversal outside workspace is not allowed"
	}

	if len(allowPatterns) > 0 {
		matched := false
		for _, pattern := range allowPatterns {
			if pattern.MatchString(command) {
				matched = true
				break
			}
		}
		if !matched {
			return "command blocked: not in allowlist"
		}
	}

	return ""
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace and return its output."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}

	if msg := t.guardCommand(command, t.workspace); msg != "" {
		return fmt.Sprintf("Error: %s", msg), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := stdout.String()
	if stderr.Len() > 0 {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("Error: command timed out after %s", t.timeout), nil
		}
		if result == "" {
			result = err.Error()
		}
		return fmt.Sprintf("Error: %s", result), nil
	}

	if result == "" {
		result = "(command completed with no output)"
	}
	return result, nil
}
