package pipeline

import (
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// transitionTable is the declarative set of legal state transitions. A
// transition to failed is additionally legal from any state (fatal errors
// surfaced by executors).
var transitionTable = map[v1.PipelineState][]v1.PipelineState{
	v1.StateIdle:           {v1.StatePlanning},
	v1.StatePlanning:       {v1.StateReadyForDev},
	v1.StateReadyForDev:    {v1.StateImplementing},
	v1.StateImplementing:   {v1.StateInQA},
	v1.StateInQA:           {v1.StateReadyForDeploy, v1.StateImplementing},
	v1.StateReadyForDeploy: {v1.StateDeploying},
	v1.StateDeploying:      {v1.StateCompleted},
}

// allowed reports whether from → to is a legal transition.
func allowed(from, to v1.PipelineState) bool {
	if to == v1.StateFailed {
		return !from.Terminal()
	}
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// resumeAgent maps a non-terminal state to the agent whose job resumes the
// pipeline after a restart. The second return is false for states that need
// no resume job.
func resumeAgent(state v1.PipelineState) (v1.AgentType, bool) {
	switch state {
	case v1.StatePlanning:
		return v1.AgentPlanner, true
	case v1.StateReadyForDev, v1.StateImplementing:
		return v1.AgentDev, true
	case v1.StateInQA:
		return v1.AgentQA, true
	case v1.StateReadyForDeploy, v1.StateDeploying:
		return v1.AgentDevOps, true
	}
	return "", false
}
