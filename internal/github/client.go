// Package github is the GitHub REST gateway used by the agent executors:
// pull request create/find/merge, labels, reviews and changed-file listings.
package github

import (
	"context"
	"time"

	errs "github.com/devos-ai/devos/internal/common/errors"
)

// Merge failures that are terminal for the pipeline. Neither is retried and
// neither triggers a rollback.
var (
	ErrMergeConflict             = errs.Conflict("merge conflict: branch cannot be merged")
	ErrBranchProtectionViolation = errs.Forbidden("branch protection rules prevent merge")
)

// PR is a pull request as the executors see it.
type PR struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	HTMLURL     string    `json:"html_url"`
	State       string    `json:"state"`
	HeadBranch  string    `json:"head_branch"`
	HeadSHA     string    `json:"head_sha"`
	BaseBranch  string    `json:"base_branch"`
	AuthorLogin string    `json:"author_login"`
	Merged      bool      `json:"merged"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChangedFile is one file touched by a pull request.
type ChangedFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"` // added, modified, removed, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// CreatePRParams describes a pull request to open.
type CreatePRParams struct {
	Title string
	Body  string
	Head  string // branch with the changes
	Base  string // branch to merge into
}

// Review events accepted by SubmitReview.
const (
	ReviewApprove        = "APPROVE"
	ReviewRequestChanges = "REQUEST_CHANGES"
	ReviewComment        = "COMMENT"
)

// MergeMethodSquash is the default merge method.
const MergeMethodSquash = "squash"

// Client is the GitHub operations surface. Implemented by TokenClient over
// the REST API and by MockClient in tests.
type Client interface {
	// CreatePR opens a pull request. When one already exists for the head
	// branch the existing PR is returned, so calling twice is safe.
	CreatePR(ctx context.Context, owner, repo string, params CreatePRParams) (*PR, error)

	// FindPRByBranch returns the open PR whose head is branch, or nil.
	FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PR, error)

	// GetPR fetches a pull request by number.
	GetPR(ctx context.Context, owner, repo string, number int) (*PR, error)

	// MergePR merges a pull request and returns the merge commit SHA.
	// Returns ErrMergeConflict on a merge conflict and
	// ErrBranchProtectionViolation when protection rules refuse the merge.
	MergePR(ctx context.Context, owner, repo string, number int, method string) (string, error)

	// AddLabels attaches labels to a pull request.
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error

	// SubmitReview submits a PR review with one of the Review* events.
	SubmitReview(ctx context.Context, owner, repo string, number int, event, body string) error

	// ListChangedFiles returns the files a pull request touches.
	ListChangedFiles(ctx context.Context, owner, repo string, number int) ([]ChangedFile, error)
}
