// Package gitops runs local git operations for agent workspaces: clone,
// branch, commit, push. Credentials are injected per invocation through
// rewritten remote URLs and never persist in .git/config; command output in
// errors is scrubbed before it can reach logs or API responses.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/common/scrub"
)

// componentPattern is the allowed shape for branch names and other values
// interpolated into git invocations.
var componentPattern = regexp.MustCompile(`^[A-Za-z0-9._\-/]+$`)

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ErrNoChanges is returned by CommitAll when the work tree has nothing to
// commit.
var ErrNoChanges = errs.Conflict("nothing to commit")

// ValidComponent reports whether s is safe to pass to git as a branch or ref
// component. Shell metacharacters, whitespace and option-looking values are
// all rejected.
func ValidComponent(s string) bool {
	return s != "" && !strings.HasPrefix(s, "-") && componentPattern.MatchString(s)
}

// Client runs git against workspace directories.
type Client struct {
	cfg    config.GitConfig
	logger *logger.Logger

	// repoMus serialises clone/fetch per directory so two jobs preparing the
	// same workspace cannot race.
	repoMus sync.Map
}

// New creates a git client.
func New(cfg config.GitConfig, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "gitops")),
	}
}

func (c *Client) repoMu(path string) *sync.Mutex {
	mu, _ := c.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// AuthenticatedURL embeds the token into an HTTPS clone URL. Non-HTTPS URLs
// and empty tokens pass through unchanged.
func AuthenticatedURL(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// run executes one git command with a deadline. Output included in the error
// is scrubbed so embedded credentials never propagate.
func (c *Client) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	output := scrub.String(strings.TrimSpace(string(out)))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, errs.WrapKind(ctx.Err(), errs.KindTransient,
				fmt.Sprintf("git %s timed out after %s", args[0], timeout))
		}
		return output, errs.WrapKind(err, errs.KindTransient,
			fmt.Sprintf("git %s failed: %s", args[0], output))
	}
	return output, nil
}

// EnsureClone makes dir a clone of repoURL checked out on baseBranch,
// cloning on first use and fetch-resetting on reuse. The stored origin URL
// stays tokenless; the token only ever travels on the command line of a
// single invocation.
func (c *Client) EnsureClone(ctx context.Context, dir, repoURL, baseBranch, token string) error {
	if baseBranch == "" {
		baseBranch = c.cfg.BaseBranch
	}
	if !ValidComponent(baseBranch) {
		return errs.Validation("baseBranch", fmt.Sprintf("%q contains disallowed characters", baseBranch))
	}

	mu := c.repoMu(dir)
	mu.Lock()
	defer mu.Unlock()

	authURL := AuthenticatedURL(repoURL, token)
	cmdTimeout := c.cfg.CommandTimeoutDuration()

	gitDir := filepath.Join(dir, ".git")
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		c.logger.Debug("workspace already cloned, refreshing", zap.String("dir", dir))
		refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", baseBranch, baseBranch)
		if _, err := c.run(ctx, dir, c.cfg.PushTimeoutDuration(), "fetch", authURL, refspec); err != nil {
			return err
		}
		if _, err := c.run(ctx, dir, cmdTimeout, "checkout", "-B", baseBranch, "origin/"+baseBranch); err != nil {
			return err
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return errs.WrapKind(err, errs.KindTransient, "failed to create workspace parent directory")
	}

	c.logger.Info("cloning repository",
		zap.String("url", scrub.String(repoURL)),
		zap.String("dir", dir),
		zap.String("branch", baseBranch))

	if _, err := c.run(ctx, "", c.cfg.PushTimeoutDuration(),
		"clone", "--branch", baseBranch, authURL, dir); err != nil {
		return err
	}
	// Leave no credential behind in .git/config.
	if _, err := c.run(ctx, dir, cmdTimeout, "remote", "set-url", "origin", repoURL); err != nil {
		return err
	}
	return c.configureAuthor(ctx, dir)
}

func (c *Client) configureAuthor(ctx context.Context, dir string) error {
	cmdTimeout := c.cfg.CommandTimeoutDuration()
	if _, err := c.run(ctx, dir, cmdTimeout, "config", "user.name", c.cfg.AuthorName); err != nil {
		return err
	}
	_, err := c.run(ctx, dir, cmdTimeout, "config", "user.email", c.cfg.AuthorEmail)
	return err
}

// CreateBranch creates (or resets) branch from base and checks it out.
func (c *Client) CreateBranch(ctx context.Context, dir, branch, base string) error {
	if !ValidComponent(branch) {
		return errs.Validation("branch", fmt.Sprintf("%q contains disallowed characters", branch))
	}
	if !ValidComponent(base) {
		return errs.Validation("base", fmt.Sprintf("%q contains disallowed characters", base))
	}
	_, err := c.run(ctx, dir, c.cfg.CommandTimeoutDuration(), "checkout", "-B", branch, base)
	return err
}

// Checkout switches the work tree to ref.
func (c *Client) Checkout(ctx context.Context, dir, ref string) error {
	if !ValidComponent(ref) {
		return errs.Validation("ref", fmt.Sprintf("%q contains disallowed characters", ref))
	}
	_, err := c.run(ctx, dir, c.cfg.CommandTimeoutDuration(), "checkout", ref)
	return err
}

// CommitAll stages everything and commits. Returns ErrNoChanges when the
// work tree is clean.
func (c *Client) CommitAll(ctx context.Context, dir, message string) (string, error) {
	cmdTimeout := c.cfg.CommandTimeoutDuration()
	if _, err := c.run(ctx, dir, cmdTimeout, "add", "-A"); err != nil {
		return "", err
	}

	// diff --cached --quiet exits 1 when something is staged.
	if _, err := c.run(ctx, dir, cmdTimeout, "diff", "--cached", "--quiet"); err == nil {
		return "", ErrNoChanges
	}

	if _, err := c.run(ctx, dir, cmdTimeout, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.HeadCommit(ctx, dir)
}

// HeadCommit returns the full 40-hex hash of HEAD.
func (c *Client) HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, c.cfg.CommandTimeoutDuration(), "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if !commitHashPattern.MatchString(out) {
		return "", errs.Transient(fmt.Sprintf("unexpected rev-parse output %q", out))
	}
	return out, nil
}

// CommitsAhead counts commits on HEAD that base does not have.
func (c *Client) CommitsAhead(ctx context.Context, dir, base string) (int, error) {
	if !ValidComponent(base) {
		return 0, errs.Validation("base", fmt.Sprintf("%q contains disallowed characters", base))
	}
	out, err := c.run(ctx, dir, c.cfg.CommandTimeoutDuration(), "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, errs.Transient(fmt.Sprintf("unexpected rev-list output %q", out))
	}
	return n, nil
}

// ChangedFiles diffs HEAD against base and splits paths into created and
// modified (renames and copies count as modified).
func (c *Client) ChangedFiles(ctx context.Context, dir, base string) (created, modified []string, err error) {
	if !ValidComponent(base) {
		return nil, nil, errs.Validation("base", fmt.Sprintf("%q contains disallowed characters", base))
	}
	out, err := c.run(ctx, dir, c.cfg.CommandTimeoutDuration(), "diff", "--name-status", base+"...HEAD")
	if err != nil {
		return nil, nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		path := fields[len(fields)-1]
		switch fields[0][0] {
		case 'A':
			created = append(created, path)
		case 'D':
			// deletions are neither created nor modified
		default:
			modified = append(modified, path)
		}
	}
	return created, modified, nil
}

// Push pushes branch to repoURL. A rejected push triggers one pull --rebase
// and exactly one retry; a second rejection is fatal.
func (c *Client) Push(ctx context.Context, dir, repoURL, branch, token string) error {
	if !ValidComponent(branch) {
		return errs.Validation("branch", fmt.Sprintf("%q contains disallowed characters", branch))
	}

	authURL := AuthenticatedURL(repoURL, token)
	pushTimeout := c.cfg.PushTimeoutDuration()

	_, err := c.run(ctx, dir, pushTimeout, "push", authURL, branch)
	if err == nil {
		return nil
	}

	c.logger.Warn("push rejected, rebasing and retrying once",
		zap.String("branch", branch), zap.Error(err))

	if _, rebaseErr := c.run(ctx, dir, pushTimeout, "pull", "--rebase", authURL, branch); rebaseErr != nil {
		return errs.WrapKind(rebaseErr, errs.KindFatal, "pull --rebase after rejected push failed")
	}
	if _, retryErr := c.run(ctx, dir, pushTimeout, "push", authURL, branch); retryErr != nil {
		return errs.WrapKind(retryErr, errs.KindFatal, "push failed after rebase retry")
	}
	return nil
}
