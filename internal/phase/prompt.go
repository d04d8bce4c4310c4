package phase

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/pipelined/internal/mode"
	"github.com/basket/pipelined/internal/queuestore"
)

// buildPrompt implements §4.4 step 2: project-context prefix, task context,
// file listing, then the error-retry instruction when the task carries a
// last_error and the phase defines one.
func (e *Executor) buildPrompt(ph mode.Phase, task queuestore.Task, workDir string) string {
	body := ph.Instruction

	if ph.IncludeTaskContext {
		body = fmt.Sprintf("Task #%d: %s\nDescription:\n%s\n\n", task.ID, task.Title, task.Description) + body
	}

	if ph.IncludeFileListing && e.listFiles != nil {
		if listing, err := e.listFiles(workDir); err == nil && listing != "" {
			body = body + "\n\nTracked files:\n" + listing
		}
	}

	if task.LastError != "" && ph.ErrorInstruction != "" {
		body = body + "\n\n" + mode.SubstituteError(ph.ErrorInstruction, task.LastError)
	}

	if e.getRepoPrompt != nil {
		if prefix, ok := e.getRepoPrompt(task.RepoPath); ok && prefix != "" {
			body = "## Project Context\n" + prefix + "\n---\n" + body
		}
	}

	return body
}

// artifactExists reports whether relPath exists under workDir.
func artifactExists(workDir, relPath string) bool {
	_, err := os.Stat(filepath.Join(workDir, relPath))
	return err == nil
}
