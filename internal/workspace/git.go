// Package workspace checkpoints the git working tree a task operates on.
package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
)

// GitCheckpointer captures a repository's HEAD and uncommitted changes and
// restores them on rollback.
type GitCheckpointer struct {
	repoPath string
	mu       sync.Mutex // Serializes git operations to prevent index.lock conflicts
}

// NewGitCheckpointer creates a checkpointer for the repository at repoPath.
func NewGitCheckpointer(repoPath string) *GitCheckpointer {
	return &GitCheckpointer{repoPath: repoPath}
}

// Checkpoint records HEAD plus a dangling stash commit of the working tree.
// The returned ref has the form "<head>" or "<head>:<stash>". The working
// tree is left untouched.
func (g *GitCheckpointer) Checkpoint(ctx context.Context, taskID, stage string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	head, err := g.head()
	if err != nil {
		return "", err
	}

	// Empty output means there is nothing uncommitted
	msg := fmt.Sprintf("devpipe checkpoint %s before %s", taskID, stage)
	stash, err := g.git(ctx, "stash", "create", msg)
	if err != nil {
		return "", fmt.Errorf("failed to capture working tree: %w", err)
	}

	if stash == "" {
		return head, nil
	}
	return head + ":" + stash, nil
}

// Restore hard-resets to the recorded HEAD and re-applies captured changes.
func (g *GitCheckpointer) Restore(ctx context.Context, ref string) error {
	head, stash, _ := strings.Cut(ref, ":")
	if head == "" {
		return fmt.Errorf("invalid checkpoint ref %q", ref)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.git(ctx, "reset", "--hard", head); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", head, err)
	}
	if _, err := g.git(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("failed to clean working tree: %w", err)
	}
	if stash != "" {
		if _, err := g.git(ctx, "stash", "apply", stash); err != nil {
			return fmt.Errorf("failed to apply %s: %w", stash, err)
		}
	}
	return nil
}

// head resolves the commit HEAD points at. go-git has no stash support, so
// the working tree itself is captured through the git CLI.
func (g *GitCheckpointer) head() (string, error) {
	repo, err := git.PlainOpenWithOptions(g.repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", g.repoPath, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	return ref.Hash().String(), nil
}

func (g *GitCheckpointer) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}
