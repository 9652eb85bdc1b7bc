package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repoPath := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		output, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %s: %s", strings.Join(args, " "), output)
	}

	run("init")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	run("checkout", "-b", "main")
	writeFile(t, repoPath, "README.md", "# Test Repo\n")
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func commitAll(t *testing.T, dir, msg string) {
	t.Helper()
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", msg}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		output, err := cmd.CombinedOutput()
		require.NoError(t, err, string(output))
	}
}

func TestCheckpointCleanTree(t *testing.T) {
	repo := setupTestRepo(t)
	g := NewGitCheckpointer(repo)

	ref, err := g.Checkpoint(context.Background(), "t1", "implement")
	require.NoError(t, err)
	assert.NotContains(t, ref, ":")
	assert.Len(t, ref, 40)
}

func TestRestoreUndoesCommitsAndEdits(t *testing.T) {
	repo := setupTestRepo(t)
	g := NewGitCheckpointer(repo)
	ctx := context.Background()

	writeFile(t, repo, "README.md", "# Work in progress\n")
	ref, err := g.Checkpoint(ctx, "t1", "implement")
	require.NoError(t, err)
	assert.Contains(t, ref, ":")
	assert.Equal(t, "# Work in progress\n", readFile(t, repo, "README.md"), "checkpoint leaves the tree alone")

	// The stage commits a broken change and leaves debris behind
	writeFile(t, repo, "README.md", "# Broken\n")
	writeFile(t, repo, "main.go", "package main\n")
	commitAll(t, repo, "broken")
	writeFile(t, repo, "scratch.txt", "tmp\n")

	require.NoError(t, g.Restore(ctx, ref))
	assert.Equal(t, "# Work in progress\n", readFile(t, repo, "README.md"))
	assert.NoFileExists(t, filepath.Join(repo, "main.go"))
	assert.NoFileExists(t, filepath.Join(repo, "scratch.txt"))
}

func TestRestoreInvalidRef(t *testing.T) {
	repo := setupTestRepo(t)
	g := NewGitCheckpointer(repo)
	assert.Error(t, g.Restore(context.Background(), ""))
	assert.Error(t, g.Restore(context.Background(), "deadbeef"))
}

func TestCheckpointOutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	g := NewGitCheckpointer(t.TempDir())
	_, err := g.Checkpoint(context.Background(), "t1", "implement")
	assert.ErrorIs(t, err, git.ErrRepositoryNotExists)
}

func TestCheckpointFromSubdirectory(t *testing.T) {
	repo := setupTestRepo(t)
	sub := filepath.Join(repo, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	want, err := exec.Command("git", "-C", repo, "rev-parse", "HEAD").Output()
	require.NoError(t, err)

	ref, err := NewGitCheckpointer(sub).Checkpoint(context.Background(), "t1", "implement")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(string(want)), ref)
}
