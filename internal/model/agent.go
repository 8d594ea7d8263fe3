package model

// AgentRuntime selects the execution environment for an agent binary.
type AgentRuntime string

const (
	RuntimeNative AgentRuntime = "native"
	RuntimeWSL    AgentRuntime = "wsl"
)

// RequiredEnvVar declares one environment variable an agent needs at runtime.
type RequiredEnvVar struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Sensitive   bool   `json:"sensitive"`
}

// AgentCapabilities advertises what a coding agent binary can do. The flags
// are stored and returned with the definition; the lifecycle does not read
// them, and a task enters awaiting_review only through a status report or a
// PATCH that names that status.
type AgentCapabilities struct {
	NonInteractive bool `json:"nonInteractive"`
	AutoGitCommit  bool `json:"autoGitCommit"`
	OutputSummary  bool `json:"outputSummary"`
	PromptFromFile bool `json:"promptFromFile"`
}

// AgentDefinition is the executable contract for a coding agent.
type AgentDefinition struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"displayName"`
	DockerImage     string            `json:"dockerImage,omitempty"`
	Command         string            `json:"command"`
	Args            []string          `json:"args"`
	RequiredEnvVars []RequiredEnvVar  `json:"requiredEnvVars"`
	Capabilities    AgentCapabilities `json:"capabilities"`
	Runtime         AgentRuntime      `json:"runtime"`
}

// BuiltinAgentDefinitions seeds the registry on first boot so a fresh
// install can dispatch without manual setup.
func BuiltinAgentDefinitions() []*AgentDefinition {
	return []*AgentDefinition{
		{
			ID:          "claude-code",
			DisplayName: "Claude Code",
			Command:     "claude",
			Args:        []string{"-p", "{{prompt}}", "--output-format", "json"},
			RequiredEnvVars: []RequiredEnvVar{
				{Name: "ANTHROPIC_API_KEY", Description: "Anthropic API key", Required: true, Sensitive: true},
			},
			Capabilities: AgentCapabilities{
				NonInteractive: true,
				AutoGitCommit:  true,
				OutputSummary:  true,
				PromptFromFile: true,
			},
			Runtime: RuntimeNative,
		},
		{
			ID:          "codex-cli",
			DisplayName: "Codex CLI",
			Command:     "codex",
			Args:        []string{"exec", "{{prompt}}"},
			RequiredEnvVars: []RequiredEnvVar{
				{Name: "OPENAI_API_KEY", Description: "OpenAI API key", Required: true, Sensitive: true},
			},
			Capabilities: AgentCapabilities{
				NonInteractive: true,
				AutoGitCommit:  true,
				OutputSummary:  false,
				PromptFromFile: false,
			},
			Runtime: RuntimeNative,
		},
	}
}
