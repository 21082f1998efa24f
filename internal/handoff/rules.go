package handoff

import (
	"context"
	"fmt"
	"regexp"

	"github.com/devos-ai/devos/internal/agents"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Evaluation is the input the rules engine judges: the completing agent's
// result against the current pipeline context, plus the handoff the
// coordinator is about to make.
type Evaluation struct {
	Context     *v1.PipelineContext
	Task        *agents.Task
	AgentType   v1.AgentType
	Result      interface{}
	NextAgent   v1.AgentType
	NextStoryID string
	NextContext map[string]interface{}
}

// Rejection is a failed coordination rule. Terminal for the pipeline.
type Rejection struct {
	Rule   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("handoff rule %s rejected: %s", r.Rule, r.Reason)
}

func reject(rule, format string, args ...interface{}) *Rejection {
	return &Rejection{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// StoryLookup answers whether a story already completed the pipeline.
// Implemented by the handoff store.
type StoryLookup interface {
	StoryCompleted(ctx context.Context, projectID, storyID string) (bool, error)
}

// rule is one declarative coordination check. A non-nil error means the
// rule could not be evaluated and the caller should retry, not reject.
type rule struct {
	name    string
	applies func(*Evaluation) bool
	check   func(context.Context, StoryLookup, *Evaluation) (*Rejection, error)
}

// Rules is the coordination rules engine.
type Rules struct {
	stories StoryLookup
	rules   []rule
}

// NewRules creates the engine over the default rule set.
func NewRules(stories StoryLookup) *Rules {
	return &Rules{stories: stories, rules: defaultRules()}
}

// Evaluate runs every applicable rule. The first rejection wins; an error
// means a rule could not be evaluated (store failure) and is retryable.
func (r *Rules) Evaluate(ctx context.Context, in *Evaluation) (*Rejection, error) {
	for _, rl := range r.rules {
		if rl.applies != nil && !rl.applies(in) {
			continue
		}
		rej, err := rl.check(ctx, r.stories, in)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rl.name, err)
		}
		if rej != nil {
			return rej, nil
		}
	}
	return nil, nil
}

func defaultRules() []rule {
	return []rule{
		{
			name:    "planner-produced-stories",
			applies: func(in *Evaluation) bool { return in.AgentType == v1.AgentPlanner },
			check: func(_ context.Context, _ StoryLookup, in *Evaluation) (*Rejection, error) {
				res, ok := in.Result.(*v1.PlannerResult)
				if !ok {
					return reject("planner-produced-stories", "result is not a planner result"), nil
				}
				if len(res.StoriesCreated) == 0 {
					return reject("planner-produced-stories", "planner completed without creating stories"), nil
				}
				if !commitHashPattern.MatchString(res.CommitHash) {
					return reject("planner-produced-stories", "planner result has no valid commit hash"), nil
				}
				return nil, nil
			},
		},
		{
			name:    "dev-produced-pr",
			applies: func(in *Evaluation) bool { return in.AgentType == v1.AgentDev },
			check: func(_ context.Context, _ StoryLookup, in *Evaluation) (*Rejection, error) {
				res, ok := in.Result.(*v1.DevResult)
				if !ok {
					return reject("dev-produced-pr", "result is not a dev result"), nil
				}
				if res.Branch == "" {
					return reject("dev-produced-pr", "dev result is missing the feature branch"), nil
				}
				if !commitHashPattern.MatchString(res.CommitHash) {
					return reject("dev-produced-pr", "dev result has no valid commit hash"), nil
				}
				if res.PRNumber <= 0 || res.PRURL == "" {
					return reject("dev-produced-pr", "dev result has no pull request"), nil
				}
				return nil, nil
			},
		},
		{
			name:    "qa-verdict-known",
			applies: func(in *Evaluation) bool { return in.AgentType == v1.AgentQA },
			check: func(_ context.Context, _ StoryLookup, in *Evaluation) (*Rejection, error) {
				res, ok := in.Result.(*v1.QAResult)
				if !ok {
					return reject("qa-verdict-known", "result is not a QA result"), nil
				}
				switch res.Verdict {
				case v1.VerdictPass, v1.VerdictFail, v1.VerdictNeedsChanges:
					return nil, nil
				}
				return reject("qa-verdict-known", "unrecognised QA verdict %q", res.Verdict), nil
			},
		},
		{
			// A story with unfinished predecessors cannot move to
			// implementing.
			name: "story-dependencies-completed",
			applies: func(in *Evaluation) bool {
				return in.NextAgent == v1.AgentDev && len(dependsOn(in.NextContext)) > 0
			},
			check: func(ctx context.Context, stories StoryLookup, in *Evaluation) (*Rejection, error) {
				for _, dep := range dependsOn(in.NextContext) {
					done, err := stories.StoryCompleted(ctx, in.Task.ProjectID, dep)
					if err != nil {
						return nil, fmt.Errorf("failed to check predecessor %s: %w", dep, err)
					}
					if !done {
						return reject("story-dependencies-completed", "predecessor story %s is not completed", dep), nil
					}
				}
				return nil, nil
			},
		},
	}
}

// dependsOn reads the declared predecessor story ids from a handoff context.
func dependsOn(context map[string]interface{}) []string {
	if context == nil {
		return nil
	}
	raw, ok := context["depends_on"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
