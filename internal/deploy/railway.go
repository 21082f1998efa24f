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

const railwayAPIBase = "https://backboard.railway.app/graphql/v2"

// Railway deploys through the Railway GraphQL API.
type Railway struct {
	token         string
	serviceID     string
	environmentID string
	baseURL       string
	httpClient    *http.Client
}

// NewRailway creates a Railway adapter.
func NewRailway(token, serviceID, environmentID string) *Railway {
	return &Railway{
		token:         token,
		serviceID:     serviceID,
		environmentID: environmentID,
		baseURL:       railwayAPIBase,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *Railway) Name() string { return "railway" }

func (r *Railway) IsConnected(ctx context.Context) bool {
	if r.token == "" || r.serviceID == "" {
		return false
	}
	var resp struct {
		Data struct {
			Me struct {
				ID string `json:"id"`
			} `json:"me"`
		} `json:"data"`
	}
	err := r.query(ctx, `query { me { id } }`, nil, &resp)
	return err == nil && resp.Data.Me.ID != ""
}

func (r *Railway) Trigger(ctx context.Context) (*Deployment, error) {
	mutation := `mutation($serviceId: String!, $environmentId: String!) {
		serviceInstanceRedeploy(serviceId: $serviceId, environmentId: $environmentId)
	}`
	vars := map[string]interface{}{
		"serviceId":     r.serviceID,
		"environmentId": r.environmentID,
	}
	var ignored json.RawMessage
	if err := r.query(ctx, mutation, vars, &ignored); err != nil {
		return nil, errs.WrapKind(err, errs.KindTransient, "failed to trigger railway deployment")
	}

	// The redeploy mutation returns no id; the newest deployment for the
	// service is the one just triggered.
	return r.latestDeployment(ctx)
}

func (r *Railway) latestDeployment(ctx context.Context) (*Deployment, error) {
	query := `query($serviceId: String!, $environmentId: String!) {
		deployments(first: 1, input: { serviceId: $serviceId, environmentId: $environmentId }) {
			edges { node { id staticUrl } }
		}
	}`
	vars := map[string]interface{}{
		"serviceId":     r.serviceID,
		"environmentId": r.environmentID,
	}
	var resp struct {
		Data struct {
			Deployments struct {
				Edges []struct {
					Node struct {
						ID        string `json:"id"`
						StaticURL string `json:"staticUrl"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"deployments"`
		} `json:"data"`
	}
	if err := r.query(ctx, query, vars, &resp); err != nil {
		return nil, errs.WrapKind(err, errs.KindTransient, "failed to resolve railway deployment")
	}
	edges := resp.Data.Deployments.Edges
	if len(edges) == 0 {
		return nil, errs.Transient("railway returned no deployments for service")
	}
	node := edges[0].Node
	url := node.StaticURL
	if url != "" && !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}
	return &Deployment{ID: node.ID, URL: url}, nil
}

func (r *Railway) Status(ctx context.Context, deploymentID string) (Status, string, error) {
	query := `query($id: String!) {
		deployment(id: $id) { status }
	}`
	var resp struct {
		Data struct {
			Deployment struct {
				Status string `json:"status"`
			} `json:"deployment"`
		} `json:"data"`
	}
	if err := r.query(ctx, query, map[string]interface{}{"id": deploymentID}, &resp); err != nil {
		return "", "", errs.WrapKind(err, errs.KindTransient, "failed to poll railway deployment status")
	}

	status := railwayStatus(resp.Data.Deployment.Status)
	logs := ""
	if status == StatusFailed || status == StatusCrashed {
		logs = r.buildLogs(ctx, deploymentID)
	}
	return status, logs, nil
}

func (r *Railway) buildLogs(ctx context.Context, deploymentID string) string {
	query := `query($id: String!) {
		buildLogs(deploymentId: $id, limit: 50) { message }
	}`
	var resp struct {
		Data struct {
			BuildLogs []struct {
				Message string `json:"message"`
			} `json:"buildLogs"`
		} `json:"data"`
	}
	if err := r.query(ctx, query, map[string]interface{}{"id": deploymentID}, &resp); err != nil {
		return ""
	}
	lines := make([]string, len(resp.Data.BuildLogs))
	for i, l := range resp.Data.BuildLogs {
		lines[i] = l.Message
	}
	return strings.Join(lines, "\n")
}

func (r *Railway) Rollback(ctx context.Context, deploymentID string) error {
	mutation := `mutation($id: String!) { deploymentRollback(id: $id) }`
	var ignored json.RawMessage
	if err := r.query(ctx, mutation, map[string]interface{}{"id": deploymentID}, &ignored); err != nil {
		return errs.WrapKind(err, errs.KindTransient, "railway rollback failed")
	}
	return nil
}

func railwayStatus(s string) Status {
	switch strings.ToUpper(s) {
	case "SUCCESS":
		return StatusSuccess
	case "FAILED":
		return StatusFailed
	case "CRASHED":
		return StatusCrashed
	case "REMOVED":
		return StatusRemoved
	case "CANCELED", "SKIPPED":
		return StatusCanceled
	case "QUEUED", "WAITING", "INITIALIZING":
		return StatusQueued
	case "BUILDING":
		return StatusBuilding
	default:
		return StatusDeploying
	}
}

func (r *Railway) query(ctx context.Context, query string, vars map[string]interface{}, result interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": vars,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("railway API returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
