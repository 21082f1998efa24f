package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/scrub"
)

const defaultAPIBase = "https://api.github.com"

// TokenClient implements Client against the GitHub REST API using a token.
type TokenClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewTokenClient creates a token-authenticated GitHub client.
func NewTokenClient(token string) *TokenClient {
	return &TokenClient{
		token:   token,
		baseURL: defaultAPIBase,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *TokenClient) CreatePR(ctx context.Context, owner, repo string, params CreatePRParams) (*PR, error) {
	body := map[string]string{
		"title": params.Title,
		"body":  params.Body,
		"head":  params.Head,
		"base":  params.Base,
	}
	var raw restPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	err := c.do(ctx, http.MethodPost, endpoint, body, &raw)
	if err == nil {
		return convertRestPR(&raw), nil
	}

	// 422 "A pull request already exists" makes the create idempotent:
	// return the PR that is already open for the branch.
	var apiErr *apiError
	if asAPIError(err, &apiErr) && apiErr.status == http.StatusUnprocessableEntity &&
		strings.Contains(apiErr.body, "already exists") {
		existing, findErr := c.FindPRByBranch(ctx, owner, repo, params.Head)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, errs.Wrap(err, "failed to create pull request")
}

func (c *TokenClient) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PR, error) {
	var raw []restPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls?head=%s&state=open&per_page=1",
		owner, repo, url.QueryEscape(owner+":"+branch))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, errs.Wrap(err, "failed to find pull request by branch")
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return convertRestPR(&raw[0]), nil
}

func (c *TokenClient) GetPR(ctx context.Context, owner, repo string, number int) (*PR, error) {
	var raw restPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, errs.Wrap(err, fmt.Sprintf("failed to get PR #%d", number))
	}
	return convertRestPR(&raw), nil
}

func (c *TokenClient) MergePR(ctx context.Context, owner, repo string, number int, method string) (string, error) {
	if method == "" {
		method = MergeMethodSquash
	}
	body := map[string]string{"merge_method": method}
	var result struct {
		SHA    string `json:"sha"`
		Merged bool   `json:"merged"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	err := c.do(ctx, http.MethodPut, endpoint, body, &result)
	if err == nil {
		return result.SHA, nil
	}

	var apiErr *apiError
	if asAPIError(err, &apiErr) {
		switch apiErr.status {
		case http.StatusConflict:
			return "", ErrMergeConflict
		case http.StatusForbidden, http.StatusUnprocessableEntity:
			return "", ErrBranchProtectionViolation
		}
	}
	return "", errs.Wrap(err, fmt.Sprintf("failed to merge PR #%d", number))
}

func (c *TokenClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	body := map[string][]string{"labels": labels}
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number)
	var ignored json.RawMessage
	if err := c.do(ctx, http.MethodPost, endpoint, body, &ignored); err != nil {
		return errs.Wrap(err, "failed to add labels")
	}
	return nil
}

func (c *TokenClient) SubmitReview(ctx context.Context, owner, repo string, number int, event, body string) error {
	payload := map[string]string{"event": event, "body": body}
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, number)
	var ignored json.RawMessage
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &ignored); err != nil {
		return errs.Wrap(err, "failed to submit review")
	}
	return nil
}

func (c *TokenClient) ListChangedFiles(ctx context.Context, owner, repo string, number int) ([]ChangedFile, error) {
	var files []ChangedFile
	page := 1
	for {
		var raw []ChangedFile
		endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d/files?per_page=100&page=%d",
			owner, repo, number, page)
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
			return nil, errs.Wrap(err, "failed to list changed files")
		}
		files = append(files, raw...)
		if len(raw) < 100 {
			return files, nil
		}
		page++
	}
}

// apiError preserves the HTTP status so callers can map terminal conditions.
// The body is scrubbed before storage.
type apiError struct {
	endpoint string
	status   int
	body     string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("GitHub API %s returned %d: %s", e.endpoint, e.status, e.body)
}

func asAPIError(err error, target **apiError) bool {
	return errors.As(err, target)
}

func (c *TokenClient) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Transient(fmt.Sprintf("request %s failed: %s", endpoint, scrub.Error(err)))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{
			endpoint: endpoint,
			status:   resp.StatusCode,
			body:     scrub.String(string(raw)),
		}
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// restPR is the REST API wire shape for a pull request.
type restPR struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	HTMLURL   string    `json:"html_url"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	MergedAt  *string   `json:"merged_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func convertRestPR(raw *restPR) *PR {
	merged := raw.Merged || (raw.MergedAt != nil && *raw.MergedAt != "")
	return &PR{
		Number:      raw.Number,
		Title:       raw.Title,
		HTMLURL:     raw.HTMLURL,
		State:       strings.ToLower(raw.State),
		HeadBranch:  raw.Head.Ref,
		HeadSHA:     raw.Head.SHA,
		BaseBranch:  raw.Base.Ref,
		AuthorLogin: raw.User.Login,
		Merged:      merged,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
}
