package supervisor

import "github.com/kandev/kandev/pkg/api"

// PromptBundle is everything a Driver needs to build one CLI invocation
// (spec §4.4).
type PromptBundle struct {
	Prompt      string
	SessionID   string
	WorkDir     string
	Resume      bool
	ResumeID    string
	ImagePaths  []string
	Model       string

	Thinking          bool
	PlanMode          bool
	BypassPermissions bool
	AllowFullPC       bool
	OrchestrateHint   bool
}

// Invocation is the fully-built process description a Driver hands back to
// the Supervisor: an argv plus whatever the provider wants written to
// stdin before the process is allowed to run to completion.
type Invocation struct {
	Path     string
	Args     []string
	Env      []string
	Dir      string
	Stdin    []byte // optional stdin preamble, written then left open for injection
	CloseIn  bool   // true if stdin should be closed immediately after Stdin is written
}

// Driver builds the argv/stdin for one provider (spec §6's per-provider arg
// vectors), grounded on the teacher's agents.Agent.BuildCommand. Unlike the
// teacher's Agent interface, a Driver has no UI/runtime/passthrough
// concerns: it exists purely to turn a PromptBundle into an Invocation.
type Driver interface {
	// Name identifies the provider for logging and for pkg/api.Provider.
	Name() api.Provider
	// Build constructs the Invocation for bundle.
	Build(bundle PromptBundle) Invocation
}
