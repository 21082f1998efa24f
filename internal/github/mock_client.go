package github

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// prKey is a composite key for PR lookups by owner/repo/number.
type prKey struct {
	Owner  string
	Repo   string
	Number int
}

// SubmittedReview records a SubmitReview call for test assertions.
type SubmittedReview struct {
	Owner  string
	Repo   string
	Number int
	Event  string
	Body   string
}

// MockClient implements Client with in-memory state. All behaviour can be
// overridden per call through the error hooks.
type MockClient struct {
	mu         sync.Mutex
	nextNumber int
	prs        map[prKey]*PR
	files      map[prKey][]ChangedFile
	labels     map[prKey][]string
	reviews    []SubmittedReview
	mergeSHA   string

	// Error hooks. When set, the matching operation fails with the error.
	CreateErr error
	MergeErr  error
	LabelErr  error
	ReviewErr error
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{
		nextNumber: 42,
		prs:        make(map[prKey]*PR),
		files:      make(map[prKey][]ChangedFile),
		labels:     make(map[prKey][]string),
		mergeSHA:   "0123456789abcdef0123456789abcdef01234567",
	}
}

// SetMergeSHA sets the SHA returned by successful merges.
func (m *MockClient) SetMergeSHA(sha string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeSHA = sha
}

// SetChangedFiles seeds the changed-file listing for a PR.
func (m *MockClient) SetChangedFiles(owner, repo string, number int, files []ChangedFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[prKey{owner, repo, number}] = files
}

// Reviews returns the reviews submitted so far.
func (m *MockClient) Reviews() []SubmittedReview {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubmittedReview, len(m.reviews))
	copy(out, m.reviews)
	return out
}

// Labels returns the labels attached to a PR.
func (m *MockClient) Labels(owner, repo string, number int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.labels[prKey{owner, repo, number}]...)
}

func (m *MockClient) CreatePR(ctx context.Context, owner, repo string, params CreatePRParams) (*PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	for _, pr := range m.prs {
		if pr.HeadBranch == params.Head && pr.State == "open" {
			return pr, nil
		}
	}

	number := m.nextNumber
	m.nextNumber++
	now := time.Now().UTC()
	pr := &PR{
		Number:     number,
		Title:      params.Title,
		HTMLURL:    fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, number),
		State:      "open",
		HeadBranch: params.Head,
		BaseBranch: params.Base,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.prs[prKey{owner, repo, number}] = pr
	return pr, nil
}

func (m *MockClient) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pr := range m.prs {
		if pr.HeadBranch == branch && pr.State == "open" {
			return pr, nil
		}
	}
	return nil, nil
}

func (m *MockClient) GetPR(ctx context.Context, owner, repo string, number int) (*PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[prKey{owner, repo, number}]
	if !ok {
		return nil, fmt.Errorf("PR #%d not found", number)
	}
	return pr, nil
}

func (m *MockClient) MergePR(ctx context.Context, owner, repo string, number int, method string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MergeErr != nil {
		return "", m.MergeErr
	}
	pr, ok := m.prs[prKey{owner, repo, number}]
	if !ok {
		return "", fmt.Errorf("PR #%d not found", number)
	}
	pr.State = "merged"
	pr.Merged = true
	return m.mergeSHA, nil
}

func (m *MockClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LabelErr != nil {
		return m.LabelErr
	}
	key := prKey{owner, repo, number}
	m.labels[key] = append(m.labels[key], labels...)
	return nil
}

func (m *MockClient) SubmitReview(ctx context.Context, owner, repo string, number int, event, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReviewErr != nil {
		return m.ReviewErr
	}
	m.reviews = append(m.reviews, SubmittedReview{
		Owner: owner, Repo: repo, Number: number, Event: event, Body: body,
	})
	return nil
}

func (m *MockClient) ListChangedFiles(ctx context.Context, owner, repo string, number int) ([]ChangedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChangedFile(nil), m.files[prKey{owner, repo, number}]...), nil
}
