// Package providers implements one supervisor.Driver per external CLI,
// grounded on the teacher's internal/agent/agents/{claude_code,codex,gemini}.go
// BuildCommand functions, stripped of every passthrough/UI/runtime concern
// that belongs to the teacher's broader Agent interface.
package providers

import (
	"github.com/kandev/kandev/internal/supervisor"
	"github.com/kandev/kandev/pkg/api"
)

// Claude drives the `claude` CLI in stream-json mode.
type Claude struct{}

var _ supervisor.Driver = Claude{}

func (Claude) Name() api.Provider { return api.ProviderClaude }

func (Claude) Build(b supervisor.PromptBundle) supervisor.Invocation {
	args := []string{
		"-p", b.Prompt,
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--verbose",
	}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	if b.Resume && b.ResumeID != "" {
		args = append(args, "--resume", b.ResumeID)
	}
	if b.BypassPermissions {
		args = append(args, "--permission-mode", "bypassPermissions")
	}
	if b.PlanMode {
		args = append(args, "--permission-mode", "plan")
	}
	if b.Thinking {
		args = append(args, "--include-partial-messages")
	}
	for _, img := range b.ImagePaths {
		args = append(args, "--image", img)
	}

	return supervisor.Invocation{
		Path: "claude",
		Args: args,
		Dir:  b.WorkDir,
	}
}
