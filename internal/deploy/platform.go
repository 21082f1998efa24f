// Package deploy holds the deployment platform adapters (Railway, Vercel),
// platform auto-detection, the deployment monitor and incident reporting.
package deploy

import (
	"context"

	errs "github.com/devos-ai/devos/internal/common/errors"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// Status is a normalised deployment status across platforms.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusBuilding  Status = "building"
	StatusDeploying Status = "deploying"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCrashed   Status = "crashed"
	StatusCanceled  Status = "canceled"
	StatusRemoved   Status = "removed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status ends the monitoring loop.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCrashed, StatusCanceled, StatusRemoved, StatusTimeout:
		return true
	}
	return false
}

// Deployment identifies one triggered deployment.
type Deployment struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ErrNoDeploymentPlatform is returned when auto-detection finds no connected
// platform. Terminal for the pipeline.
var ErrNoDeploymentPlatform = errs.Fatal("no deployment platform available")

// Platform is a deployment target adapter.
type Platform interface {
	// Name returns the platform identifier ("railway", "vercel").
	Name() string

	// IsConnected probes whether the platform is reachable and authorised.
	IsConnected(ctx context.Context) bool

	// Trigger starts a new deployment and returns its id and public URL.
	Trigger(ctx context.Context) (*Deployment, error)

	// Status returns the current status plus build logs when available.
	Status(ctx context.Context, deploymentID string) (Status, string, error)

	// Rollback reverts to the previously successful deployment.
	Rollback(ctx context.Context, deploymentID string) error
}

// Detect selects the platform to deploy to. An explicit choice is honoured;
// "auto" probes the candidates in order and takes the first connected one.
func Detect(ctx context.Context, choice string, candidates []Platform) (Platform, error) {
	if choice != "" && choice != "auto" {
		for _, p := range candidates {
			if p.Name() == choice {
				return p, nil
			}
		}
		return nil, errs.Validation("platform", "unknown platform "+choice)
	}
	for _, p := range candidates {
		if p.IsConnected(ctx) {
			return p, nil
		}
	}
	return nil, ErrNoDeploymentPlatform
}

// NewIncident builds an incident report with the severity policy applied:
// critical when a rollback was attempted and failed, high for deployment
// failures and timeouts, medium otherwise.
func NewIncident(storyID string, failureType v1.IncidentFailureType, rootCause string, rollbackPerformed, rollbackSuccessful bool) *v1.IncidentReport {
	severity := "medium"
	switch {
	case rollbackPerformed && !rollbackSuccessful:
		severity = "critical"
	case failureType == v1.IncidentDeploymentFailed || failureType == v1.IncidentTimeout:
		severity = "high"
	}

	resolution := "rollback not attempted"
	if rollbackPerformed {
		if rollbackSuccessful {
			resolution = "rolled back to previous deployment"
		} else {
			resolution = "rollback failed, manual intervention required"
		}
	}

	recommendations := []string{"review build logs for the failing deployment"}
	switch failureType {
	case v1.IncidentSmokeTestsFailed:
		recommendations = append(recommendations, "re-run smoke tests against a staging deployment before retrying")
	case v1.IncidentTimeout:
		recommendations = append(recommendations, "check platform status page and increase the monitor timeout if builds are slow")
	}

	return &v1.IncidentReport{
		StoryID:            storyID,
		Severity:           severity,
		FailureType:        failureType,
		RootCause:          rootCause,
		RollbackPerformed:  rollbackPerformed,
		RollbackSuccessful: rollbackPerformed && rollbackSuccessful,
		Resolution:         resolution,
		Recommendations:    recommendations,
	}
}
