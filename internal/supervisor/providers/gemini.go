package providers

import (
	"encoding/json"

	"github.com/kandev/kandev/internal/supervisor"
	"github.com/kandev/kandev/pkg/api"
)

// Gemini drives `gemini --output-format stream-json`, also reading the
// prompt from stdin as a single JSON line (SPEC_FULL §9 Open Question 1).
type Gemini struct{}

var _ supervisor.Driver = Gemini{}

func (Gemini) Name() api.Provider { return api.ProviderGemini }

func (Gemini) Build(b supervisor.PromptBundle) supervisor.Invocation {
	args := []string{"--output-format", "stream-json"}
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
		Path:  "gemini",
		Args:  args,
		Dir:   b.WorkDir,
		Stdin: stdin,
	}
}
