package providers

import (
	"encoding/json"

	"github.com/kandev/kandev/internal/supervisor"
	"github.com/kandev/kandev/pkg/api"
)

// Codex drives `codex exec --json`, reading the prompt from stdin as a
// single JSON line rather than an argv flag (SPEC_FULL §9 Open Question 1).
type Codex struct{}

var _ supervisor.Driver = Codex{}

func (Codex) Name() api.Provider { return api.ProviderCodex }

func (Codex) Build(b supervisor.PromptBundle) supervisor.Invocation {
	args := []string{"exec", "--json"}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	if b.Resume && b.ResumeID != "" {
		args = append(args, "--resume", b.ResumeID)
	}
	for _, img := range b.ImagePaths {
		args = append(args, "--image", img)
	}

	stdin, _ := json.Marshal(stdinPrompt{Prompt: b.Prompt})
	stdin = append(stdin, '\n')

	return supervisor.Invocation{
		Path:  "codex",
		Args:  args,
		Dir:   b.WorkDir,
		Stdin: stdin,
	}
}

type stdinPrompt struct {
	Prompt string `json:"prompt"`
}
