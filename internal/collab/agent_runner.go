package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DockerAgentRunner drives one agent turn inside an ephemeral Docker
// container. It writes the system prompt and turn prompt to a scratch
// workspace, invokes the configured agent binary against them, and streams
// its combined stdout/stderr back through cfg.OnLine.
type DockerAgentRunner struct {
	sandbox    *DockerSandbox
	agentBin   string // shell command template; "{session}" "{prompt_file}" "{system_file}" substituted
	scratchDir string
}

// NewDockerAgentRunner constructs a runner. agentBin is a shell command
// template with placeholders "{prompt_file}", "{system_file}", "{session}",
// "{tools}" substituted per invocation.
func NewDockerAgentRunner(sandbox *DockerSandbox, agentBin, scratchDir string) *DockerAgentRunner {
	return &DockerAgentRunner{sandbox: sandbox, agentBin: agentBin, scratchDir: scratchDir}
}

// Run implements AgentRunner.
func (r *DockerAgentRunner) Run(ctx context.Context, cfg AgentConfig) (AgentResult, error) {
	runDir := filepath.Join(r.scratchDir, uuid.NewString())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return AgentResult{}, &AgentError{Kind: ErrSpawnFailed, Err: fmt.Errorf("create run dir: %w", err)}
	}
	defer os.RemoveAll(runDir)

	promptFile := filepath.Join(runDir, "prompt.txt")
	systemFile := filepath.Join(runDir, "system.txt")
	if err := os.WriteFile(promptFile, []byte(cfg.Prompt), 0o644); err != nil {
		return AgentResult{}, &AgentError{Kind: ErrSpawnFailed, Err: fmt.Errorf("write prompt: %w", err)}
	}
	if err := os.WriteFile(systemFile, []byte(cfg.SystemPrompt), 0o644); err != nil {
		return AgentResult{}, &AgentError{Kind: ErrSpawnFailed, Err: fmt.Errorf("write system prompt: %w", err)}
	}

	session := cfg.SessionID
	newSession := session
	if session == "" {
		newSession = uuid.NewString()
	}

	cmd := substitutePlaceholders(r.agentBin, map[string]string{
		"{prompt_file}": "/workspace/prompt.txt",
		"{system_file}": "/workspace/system.txt",
		"{session}":     newSession,
		"{tools}":       joinTools(cfg.AllowedTools),
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.TimeoutS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutS)*time.Second)
		defer cancel()
	}

	stdout, _, exitCode, err := r.sandbox.RunStreaming(runCtx, cmd, runDir, cfg.OnLine)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return AgentResult{}, &AgentError{Kind: ErrKilledByTimeout, Err: err}
		}
		return AgentResult{}, &AgentError{Kind: ErrIOError, Err: err}
	}
	if exitCode != 0 {
		return AgentResult{Output: stdout}, &AgentError{Kind: ErrIOError, Err: fmt.Errorf("agent exited %d", exitCode)}
	}
	return AgentResult{Output: stdout, NewSessionID: newSession}, nil
}

func joinTools(tools []string) string {
	return strings.Join(tools, ",")
}

func substitutePlaceholders(template string, values map[string]string) string {
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}
