package deploy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/common/config"
	"github.com/devos-ai/devos/internal/common/logger"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// fakePlatform drives the monitor and detection tests.
type fakePlatform struct {
	name      string
	connected bool
	statuses  []Status
	calls     atomic.Int32
	statusErr error
	logs      string
}

func (f *fakePlatform) Name() string { return f.name }

func (f *fakePlatform) IsConnected(ctx context.Context) bool { return f.connected }

func (f *fakePlatform) Trigger(ctx context.Context) (*Deployment, error) {
	return &Deployment{ID: "dep-1", URL: "https://app.example.com"}, nil
}

func (f *fakePlatform) Status(ctx context.Context, id string) (Status, string, error) {
	if f.statusErr != nil {
		return "", "", f.statusErr
	}
	n := int(f.calls.Add(1)) - 1
	if n >= len(f.statuses) {
		n = len(f.statuses) - 1
	}
	return f.statuses[n], f.logs, nil
}

func (f *fakePlatform) Rollback(ctx context.Context, id string) error { return nil }

func testMonitor(t *testing.T, pollSecs, timeoutSecs int) *Monitor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewMonitor(config.DeployConfig{
		PollIntervalSecs: pollSecs,
		MonitorTimeout:   timeoutSecs,
	}, log)
}

func TestDetectExplicitChoice(t *testing.T) {
	railway := &fakePlatform{name: "railway", connected: false}
	vercel := &fakePlatform{name: "vercel", connected: true}

	p, err := Detect(context.Background(), "railway", []Platform{railway, vercel})
	require.NoError(t, err)
	assert.Equal(t, "railway", p.Name())

	_, err = Detect(context.Background(), "heroku", []Platform{railway, vercel})
	require.Error(t, err)
}

func TestDetectAutoProbesInOrder(t *testing.T) {
	railway := &fakePlatform{name: "railway", connected: false}
	vercel := &fakePlatform{name: "vercel", connected: true}

	p, err := Detect(context.Background(), "auto", []Platform{railway, vercel})
	require.NoError(t, err)
	assert.Equal(t, "vercel", p.Name())

	railway.connected = true
	p, err = Detect(context.Background(), "auto", []Platform{railway, vercel})
	require.NoError(t, err)
	assert.Equal(t, "railway", p.Name())
}

func TestDetectNonePlatform(t *testing.T) {
	railway := &fakePlatform{name: "railway"}
	vercel := &fakePlatform{name: "vercel"}

	_, err := Detect(context.Background(), "auto", []Platform{railway, vercel})
	assert.ErrorIs(t, err, ErrNoDeploymentPlatform)
}

func TestWatchUntilSuccess(t *testing.T) {
	m := testMonitor(t, 1, 60)
	p := &fakePlatform{statuses: []Status{StatusQueued, StatusBuilding, StatusSuccess}}

	res, err := m.Watch(context.Background(), p, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestWatchReportsFailureWithLogs(t *testing.T) {
	m := testMonitor(t, 1, 60)
	p := &fakePlatform{
		statuses: []Status{StatusBuilding, StatusFailed},
		logs:     "Build error: missing dependency",
	}

	res, err := m.Watch(context.Background(), p, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "Build error: missing dependency", res.BuildLogs)
}

func TestWatchTimesOut(t *testing.T) {
	m := testMonitor(t, 1, 0)
	p := &fakePlatform{statuses: []Status{StatusBuilding}}

	res, err := m.Watch(context.Background(), p, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
}

func TestWatchToleratesPollErrors(t *testing.T) {
	m := testMonitor(t, 1, 0)
	p := &fakePlatform{statusErr: errors.New("gateway unreachable")}

	res, err := m.Watch(context.Background(), p, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
}

func TestIncidentSeverity(t *testing.T) {
	cases := []struct {
		name        string
		failureType v1.IncidentFailureType
		rollback    bool
		rollbackOK  bool
		severity    string
	}{
		{"rollback failed is critical", v1.IncidentSmokeTestsFailed, true, false, "critical"},
		{"deployment failure is high", v1.IncidentDeploymentFailed, true, true, "high"},
		{"timeout is high", v1.IncidentTimeout, false, false, "high"},
		{"smoke failure with clean rollback is medium", v1.IncidentSmokeTestsFailed, true, true, "medium"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewIncident("11-4", tc.failureType, "boom", tc.rollback, tc.rollbackOK)
			assert.Equal(t, tc.severity, r.Severity)
			assert.Equal(t, tc.rollback, r.RollbackPerformed)
			assert.Equal(t, "11-4", r.StoryID)
			assert.NotEmpty(t, r.Recommendations)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusCrashed, StatusCanceled, StatusRemoved, StatusTimeout} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusQueued, StatusBuilding, StatusDeploying} {
		assert.False(t, s.Terminal(), s)
	}
}
