package deploy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	"github.com/devos-ai/devos/internal/common/logger"
)

// MonitorResult is the outcome of watching one deployment.
type MonitorResult struct {
	Status    Status
	BuildLogs string
}

// Monitor polls a platform until the deployment reaches a terminal status or
// the hard timeout elapses.
type Monitor struct {
	cfg    config.DeployConfig
	logger *logger.Logger
}

// NewMonitor creates a deployment monitor.
func NewMonitor(cfg config.DeployConfig, log *logger.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "deploy-monitor")),
	}
}

// Watch polls until terminal. A hard timeout yields StatusTimeout rather
// than an error; transient status-poll failures are logged and retried on
// the next tick.
func (m *Monitor) Watch(ctx context.Context, platform Platform, deploymentID string) (*MonitorResult, error) {
	deadline := time.Now().Add(m.cfg.MonitorTimeoutDuration())
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	var lastLogs string
	for {
		status, logs, err := platform.Status(ctx, deploymentID)
		if err != nil {
			m.logger.Warn("deployment status poll failed",
				zap.String("deployment_id", deploymentID), zap.Error(err))
		} else {
			lastLogs = logs
			if status.Terminal() {
				m.logger.Info("deployment reached terminal status",
					zap.String("deployment_id", deploymentID),
					zap.String("status", string(status)))
				return &MonitorResult{Status: status, BuildLogs: logs}, nil
			}
			m.logger.Debug("deployment in progress",
				zap.String("deployment_id", deploymentID),
				zap.String("status", string(status)))
		}

		if time.Now().After(deadline) {
			m.logger.Warn("deployment monitoring timed out",
				zap.String("deployment_id", deploymentID))
			return &MonitorResult{Status: StatusTimeout, BuildLogs: lastLogs}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
