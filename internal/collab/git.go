package collab

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitVCS lands patches through the git CLI. Every command targets the
// configured repository directory via -C, so the process working directory
// never matters.
type GitVCS struct {
	dir string
}

// NewGitVCS returns a VCS rooted at the given repository directory.
func NewGitVCS(dir string) *GitVCS {
	return &GitVCS{dir: dir}
}

func (g *GitVCS) run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", g.dir}, args...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ApplyPatch checks out the target branch, creates the patch branch, applies
// the diff and commits it, returning the new commit hash. On a failed apply
// the patch branch is removed and the checkout restored, leaving the
// repository as it was.
func (g *GitVCS) ApplyPatch(ctx context.Context, req PatchRequest) (PatchResult, error) {
	target := req.TargetBranch
	if target == "" {
		target = "main"
	}
	branch := fmt.Sprintf("apogee/%s/%s", req.Author, req.PatchID)

	if _, err := g.run(ctx, "checkout", target); err != nil {
		return PatchResult{}, err
	}
	if _, err := g.run(ctx, "checkout", "-b", branch); err != nil {
		return PatchResult{}, err
	}

	patchFile := filepath.Join(os.TempDir(), "apogee-patch-"+req.PatchID+".patch")
	if err := os.WriteFile(patchFile, []byte(req.Diff), 0o600); err != nil {
		return PatchResult{}, fmt.Errorf("write patch file: %w", err)
	}
	defer os.Remove(patchFile)

	if _, err := g.run(ctx, "apply", patchFile); err != nil {
		// Roll back so the repository is untouched.
		g.run(ctx, "checkout", target)     //nolint:errcheck
		g.run(ctx, "branch", "-D", branch) //nolint:errcheck
		return PatchResult{}, fmt.Errorf("diff does not apply cleanly: %w", err)
	}

	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return PatchResult{}, err
	}

	message := req.Rationale
	if message == "" {
		message = "Code changes applied by " + req.Author
	}
	message += "\n\nPatch ID: " + req.PatchID
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return PatchResult{}, err
	}

	commit, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return PatchResult{}, err
	}
	return PatchResult{Commit: commit, Branch: branch}, nil
}
