package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceDir maps (workspaceId, projectId) to its unique directory under
// the given root. Executors use the same mapping to run git in the directory
// a session worked in.
func WorkspaceDir(root, workspaceID, projectID string) string {
	return filepath.Join(expandHome(root), workspaceID, projectID)
}

func (s *Supervisor) workspaceDir(workspaceID, projectID string) string {
	return WorkspaceDir(s.workspaceCfg.Root, workspaceID, projectID)
}

// prepareWorkspace creates the workspace directory and ensures it holds a
// clone of the project repository on the base branch. Credentials are passed
// through to the git processes via environment and never written to disk.
func (s *Supervisor) prepareWorkspace(ctx context.Context, dir string, params SpawnParams) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	if params.GitRepoURL == "" {
		return nil
	}
	return s.preparer.EnsureClone(ctx, dir, params.GitRepoURL, s.gitCfg.BaseBranch, params.GitToken)
}

// buildEnv assembles the child process environment. The Git identity and
// token travel only here; the prompt and pipeline context ride alongside so
// the CLI needs no extra round-trips.
func (s *Supervisor) buildEnv(sessionID string, params SpawnParams) []string {
	env := os.Environ()

	set := func(key, value string) {
		prefix := key + "="
		for i, entry := range env {
			if strings.HasPrefix(entry, prefix) {
				env[i] = prefix + value
				return
			}
		}
		env = append(env, prefix+value)
	}

	set("GIT_AUTHOR_NAME", s.gitCfg.AuthorName)
	set("GIT_AUTHOR_EMAIL", s.gitCfg.AuthorEmail)
	set("GIT_COMMITTER_NAME", s.gitCfg.AuthorName)
	set("GIT_COMMITTER_EMAIL", s.gitCfg.AuthorEmail)
	if params.GitToken != "" {
		set("GIT_TOKEN", params.GitToken)
	}

	set("DEVOS_SESSION_ID", sessionID)
	set("DEVOS_AGENT_ID", params.AgentID)
	set("DEVOS_AGENT_TYPE", string(params.AgentType))
	set("DEVOS_WORKSPACE_ID", params.WorkspaceID)
	set("DEVOS_PROJECT_ID", params.ProjectID)
	if params.StoryID != "" {
		set("DEVOS_STORY_ID", params.StoryID)
	}
	if len(params.PipelineContext) > 0 {
		set("DEVOS_PIPELINE_CONTEXT", string(params.PipelineContext))
	}

	for k, v := range params.ExtraEnv {
		set(k, v)
	}
	return env
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
