package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	errs "github.com/devos-ai/devos/internal/common/errors"
)

const vercelAPIBase = "https://api.vercel.com"

// Vercel deploys through the Vercel REST API.
type Vercel struct {
	token      string
	project    string
	baseURL    string
	httpClient *http.Client
}

// NewVercel creates a Vercel adapter.
func NewVercel(token, project string) *Vercel {
	return &Vercel{
		token:      token,
		project:    project,
		baseURL:    vercelAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (v *Vercel) Name() string { return "vercel" }

func (v *Vercel) IsConnected(ctx context.Context) bool {
	if v.token == "" || v.project == "" {
		return false
	}
	var resp struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	err := v.do(ctx, http.MethodGet, "/v2/user", nil, &resp)
	return err == nil && resp.User.ID != ""
}

func (v *Vercel) Trigger(ctx context.Context) (*Deployment, error) {
	body := map[string]interface{}{
		"name":   v.project,
		"target": "production",
		"gitSource": map[string]string{
			"type": "github",
		},
	}
	var resp vercelDeployment
	if err := v.do(ctx, http.MethodPost, "/v13/deployments?forceNew=1", body, &resp); err != nil {
		return nil, errs.WrapKind(err, errs.KindTransient, "failed to trigger vercel deployment")
	}
	return resp.toDeployment(), nil
}

func (v *Vercel) Status(ctx context.Context, deploymentID string) (Status, string, error) {
	var resp vercelDeployment
	if err := v.do(ctx, http.MethodGet, "/v13/deployments/"+deploymentID, nil, &resp); err != nil {
		return "", "", errs.WrapKind(err, errs.KindTransient, "failed to poll vercel deployment status")
	}
	return vercelStatus(resp.ReadyState), resp.ErrorMessage, nil
}

func (v *Vercel) Rollback(ctx context.Context, deploymentID string) error {
	// Promote the previous READY production deployment back on top.
	var list struct {
		Deployments []struct {
			UID string `json:"uid"`
		} `json:"deployments"`
	}
	endpoint := fmt.Sprintf("/v6/deployments?projectId=%s&target=production&state=READY&limit=2", v.project)
	if err := v.do(ctx, http.MethodGet, endpoint, nil, &list); err != nil {
		return errs.WrapKind(err, errs.KindTransient, "failed to list vercel deployments for rollback")
	}

	var previous string
	for _, d := range list.Deployments {
		if d.UID != deploymentID {
			previous = d.UID
			break
		}
	}
	if previous == "" {
		return errs.Fatal("no previous vercel deployment to roll back to")
	}

	endpoint = fmt.Sprintf("/v10/projects/%s/promote/%s", v.project, previous)
	var ignored json.RawMessage
	if err := v.do(ctx, http.MethodPost, endpoint, map[string]string{}, &ignored); err != nil {
		return errs.WrapKind(err, errs.KindTransient, "vercel rollback failed")
	}
	return nil
}

type vercelDeployment struct {
	ID           string `json:"id"`
	UID          string `json:"uid"`
	URL          string `json:"url"`
	ReadyState   string `json:"readyState"`
	ErrorMessage string `json:"errorMessage"`
}

func (d *vercelDeployment) toDeployment() *Deployment {
	id := d.ID
	if id == "" {
		id = d.UID
	}
	url := d.URL
	if url != "" && !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}
	return &Deployment{ID: id, URL: url}
}

func vercelStatus(s string) Status {
	switch strings.ToUpper(s) {
	case "READY":
		return StatusSuccess
	case "ERROR":
		return StatusFailed
	case "CANCELED":
		return StatusCanceled
	case "DELETED":
		return StatusRemoved
	case "QUEUED":
		return StatusQueued
	case "BUILDING", "INITIALIZING":
		return StatusBuilding
	default:
		return StatusDeploying
	}
}

func (v *Vercel) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+v.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("vercel API returned %d: %s", resp.StatusCode, raw)
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
