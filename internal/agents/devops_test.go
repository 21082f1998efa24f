package agents

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/deploy"
	"github.com/devos-ai/devos/internal/github"
	"github.com/devos-ai/devos/internal/supervisor"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// stubPlatform is a scripted deploy.Platform.
type stubPlatform struct {
	mu          sync.Mutex
	name        string
	connected   bool
	statuses    []deploy.Status
	statusIdx   int
	logs        string
	triggerErr  error
	rollbackErr error
	rolledBack  []string
}

func (s *stubPlatform) Name() string { return s.name }

func (s *stubPlatform) IsConnected(ctx context.Context) bool { return s.connected }

func (s *stubPlatform) Trigger(ctx context.Context) (*deploy.Deployment, error) {
	if s.triggerErr != nil {
		return nil, s.triggerErr
	}
	return &deploy.Deployment{ID: "dep-1", URL: "https://app.example.com"}, nil
}

func (s *stubPlatform) Status(ctx context.Context, deploymentID string) (deploy.Status, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.statuses[len(s.statuses)-1]
	if s.statusIdx < len(s.statuses) {
		status = s.statuses[s.statusIdx]
		s.statusIdx++
	}
	return status, s.logs, nil
}

func (s *stubPlatform) Rollback(ctx context.Context, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolledBack = append(s.rolledBack, deploymentID)
	return s.rollbackErr
}

func devopsTask(prNumber int) *Task {
	return &Task{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		AgentID:     "agent-3",
		StoryID:     "11-4",
		Prompt:      "deploy story 11-4",
		RepoOwner:   "acme",
		RepoName:    "shop",
		Context: map[string]interface{}{
			"qa_verdict": "PASS",
			"pr_number":  float64(prNumber),
		},
	}
}

func devopsExec(env *testEnv, platform *stubPlatform) *DevOpsExecutor {
	monitor := deploy.NewMonitor(env.cfg.Deploy, env.log)
	return NewDevOpsExecutor(env.cli, env.cli, env.git, env.gh, []deploy.Platform{platform}, monitor, env.bus, env.cfg, env.log)
}

func smokeOutputLines(healthPassed, apiPassed bool) []string {
	health := `{"name": "health", "passed": true}`
	if !healthPassed {
		health = `{"name": "health", "passed": false, "detail": "503 from /health"}`
	}
	api := `{"name": "GET /api/orders", "passed": true}`
	if !apiPassed {
		api = `{"name": "GET /api/orders", "passed": false, "detail": "500"}`
	}
	return []string{
		"```json",
		`{"healthCheck": ` + health + `, "apiChecks": [` + api + `]}`,
		"```",
	}
}

func TestDevOpsExecutor_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	prNumber := seedPR(t, env, "devos/dev/11-4")
	platform := &stubPlatform{name: "railway", connected: true, statuses: []deploy.Status{deploy.StatusSuccess}}
	task := devopsTask(prNumber)

	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		return smokeOutputLines(true, true), nil
	}

	res := devopsExec(env, platform).Execute(context.Background(), task)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", res.MergeCommitHash)
	assert.Equal(t, "railway", res.Platform)
	assert.Equal(t, "dep-1", res.DeploymentID)
	assert.Equal(t, "https://app.example.com", res.DeploymentURL)
	require.NotNil(t, res.SmokeTests)
	assert.True(t, res.SmokeTests.Passed)
	assert.False(t, res.RollbackPerformed)
	assert.Nil(t, res.Incident)
	assert.Empty(t, platform.rolledBack)

	// PR was actually merged.
	pr, err := env.gh.GetPR(context.Background(), "acme", "shop", prNumber)
	require.NoError(t, err)
	assert.True(t, pr.Merged)
}

func TestDevOpsExecutor_SkipsWithoutQAPass(t *testing.T) {
	env := newTestEnv(t)
	prNumber := seedPR(t, env, "devos/dev/11-4")
	platform := &stubPlatform{name: "railway", connected: true, statuses: []deploy.Status{deploy.StatusSuccess}}
	task := devopsTask(prNumber)
	task.Context["qa_verdict"] = "FAIL"

	res := devopsExec(env, platform).Execute(context.Background(), task)

	assert.False(t, res.Success)
	assert.Equal(t, "Deployment skipped: QA verdict is FAIL", res.Error)

	// No side effects at all.
	pr, err := env.gh.GetPR(context.Background(), "acme", "shop", prNumber)
	require.NoError(t, err)
	assert.False(t, pr.Merged)
	assert.Zero(t, env.cli.spawnCount())
}

func TestDevOpsExecutor_MergeConflictIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	prNumber := seedPR(t, env, "devos/dev/11-4")
	env.gh.MergeErr = github.ErrMergeConflict
	platform := &stubPlatform{name: "railway", connected: true, statuses: []deploy.Status{deploy.StatusSuccess}}

	res := devopsExec(env, platform).Execute(context.Background(), devopsTask(prNumber))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "merge conflict")
	// Terminal: no deployment, no rollback, no incident.
	assert.Empty(t, res.DeploymentID)
	assert.False(t, res.RollbackPerformed)
	assert.Nil(t, res.Incident)
	assert.Empty(t, platform.rolledBack)
}

func TestDevOpsExecutor_FailedDeploymentRollsBack(t *testing.T) {
	env := newTestEnv(t)
	prNumber := seedPR(t, env, "devos/dev/11-4")
	platform := &stubPlatform{
		name:      "railway",
		connected: true,
		statuses:  []deploy.Status{deploy.StatusBuilding, deploy.StatusFailed},
		logs:      "module not found: ./missing",
	}

	res := devopsExec(env, platform).Execute(context.Background(), devopsTask(prNumber))

	assert.False(t, res.Success)
	assert.True(t, res.RollbackPerformed)
	assert.Equal(t, []string{"dep-1"}, platform.rolledBack)
	require.NotNil(t, res.Incident)
	assert.Equal(t, v1.IncidentDeploymentFailed, res.Incident.FailureType)
	assert.Equal(t, "high", res.Incident.Severity)
	assert.True(t, res.Incident.RollbackSuccessful)
	assert.Contains(t, res.Incident.RootCause, "module not found")
}

func TestDevOpsExecutor_SmokeTestFailureRaisesIncident(t *testing.T) {
	env := newTestEnv(t)
	prNumber := seedPR(t, env, "devos/dev/11-4")
	platform := &stubPlatform{name: "vercel", connected: true, statuses: []deploy.Status{deploy.StatusSuccess}}

	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		return smokeOutputLines(true, false), nil
	}

	res := devopsExec(env, platform).Execute(context.Background(), devopsTask(prNumber))

	assert.False(t, res.Success)
	require.NotNil(t, res.SmokeTests)
	assert.False(t, res.SmokeTests.Passed)
	assert.True(t, res.RollbackPerformed)
	require.NotNil(t, res.Incident)
	assert.Equal(t, v1.IncidentSmokeTestsFailed, res.Incident.FailureType)
	assert.Equal(t, "medium", res.Incident.Severity)
}

func TestDevOpsExecutor_FailedRollbackIsCritical(t *testing.T) {
	env := newTestEnv(t)
	prNumber := seedPR(t, env, "devos/dev/11-4")
	platform := &stubPlatform{
		name:        "railway",
		connected:   true,
		statuses:    []deploy.Status{deploy.StatusCrashed},
		rollbackErr: assert.AnError,
	}

	res := devopsExec(env, platform).Execute(context.Background(), devopsTask(prNumber))

	assert.False(t, res.Success)
	require.NotNil(t, res.Incident)
	assert.Equal(t, "critical", res.Incident.Severity)
	assert.False(t, res.Incident.RollbackSuccessful)
}

func TestDevOpsExecutor_NoPlatformConnected(t *testing.T) {
	env := newTestEnv(t)
	prNumber := seedPR(t, env, "devos/dev/11-4")
	platform := &stubPlatform{name: "railway", connected: false, statuses: []deploy.Status{deploy.StatusSuccess}}

	res := devopsExec(env, platform).Execute(context.Background(), devopsTask(prNumber))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no deployment platform")
}
