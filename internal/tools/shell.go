package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

const shellOutputMaxChars = 20000

// denyPatterns refuse the obviously destructive or escalating commands even
// when the policy allows the shell tool itself.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
}

// ShellTool runs a shell command and returns combined output. The executor's
// per-call deadline bounds runtime.
type ShellTool struct {
	workdir string
}

func NewShellTool(workdir string) *ShellTool {
	return &ShellTool{workdir: workdir}
}

func (t *ShellTool) Name() string { return "exec" }

func (t *ShellTool) Description() string {
	return "Run a shell command and return its output."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run.",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}
	for _, pat := range denyPatterns {
		if pat.MatchString(command) {
			return ErrorResult("command refused: matches a denied pattern")
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if t.workdir != "" {
		cmd.Dir = t.workdir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > shellOutputMaxChars {
		output = output[:shellOutputMaxChars] + "\n[truncated]"
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output))
	}
	if output == "" {
		output = "(no output)"
	}
	return NewResult(output)
}
