package v1

// TestResults summarises a test-runner invocation parsed from CLI output.
// Zero-filled (never nil) when no summary could be parsed.
type TestResults struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	Coverage float64 `json:"coverage"` // statement coverage percentage
}

// QAVerdict is QA's terminal classification of a story.
type QAVerdict string

const (
	VerdictPass         QAVerdict = "PASS"
	VerdictFail         QAVerdict = "FAIL"
	VerdictNeedsChanges QAVerdict = "NEEDS_CHANGES"
)

// ResultBase carries the fields every agent result shares. Executors never
// return errors to callers; failures arrive as Success=false with Error set.
type ResultBase struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"session_id"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	// FailureKind carries the error taxonomy kind of a failure across the
	// result boundary, so retry decisions see the executor's classification.
	// Empty on success.
	FailureKind string `json:"failure_kind,omitempty"`
}

// DevResult is the Dev executor's outcome.
type DevResult struct {
	ResultBase
	StoryID       string      `json:"story_id"`
	Branch        string      `json:"branch"`
	CommitHash    string      `json:"commit_hash"` // 40-hex
	PRURL         string      `json:"pr_url"`
	PRNumber      int         `json:"pr_number"`
	TestResults   TestResults `json:"test_results"`
	FilesCreated  []string    `json:"files_created"`
	FilesModified []string    `json:"files_modified"`
}

// QAReport is the structured review QA derives its verdict from.
type QAReport struct {
	TestResults       TestResults `json:"test_results"`
	LintErrors        []string    `json:"lint_errors,omitempty"`
	TypeErrors        []string    `json:"type_errors,omitempty"`
	SecurityFindings  []Finding   `json:"security_findings,omitempty"`
	CriteriaMet       []string    `json:"criteria_met,omitempty"`
	CriteriaUnmet     []string    `json:"criteria_unmet,omitempty"`
	ChangeRequests    []string    `json:"change_requests,omitempty"`
	CoverageThreshold float64     `json:"coverage_threshold"`
	Summary           string      `json:"summary,omitempty"`
}

// Finding is one security or secret-scan result.
type Finding struct {
	Severity    string `json:"severity"` // critical, high, medium, low, warning
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
}

// QAResult is the QA executor's outcome. QA never merges the PR.
type QAResult struct {
	ResultBase
	StoryID                string    `json:"story_id"`
	Verdict                QAVerdict `json:"verdict"`
	Report                 QAReport  `json:"report"`
	AdditionalTestsWritten int       `json:"additional_tests_written"`
}

// PlannerResult is the Planner executor's outcome.
type PlannerResult struct {
	ResultBase
	DocumentsGenerated []string `json:"documents_generated"`
	StoriesCreated     []string `json:"stories_created"` // ids matching \d+-\d+
	CommitHash         string   `json:"commit_hash"`
}

// SmokeTestResults is the parsed post-deployment verification block.
type SmokeTestResults struct {
	Passed      bool         `json:"passed"`
	HealthCheck SmokeCheck   `json:"health_check"`
	APIChecks   []SmokeCheck `json:"api_checks"`
}

// SmokeCheck is one smoke-test probe result.
type SmokeCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// IncidentFailureType classifies why a deployment-side incident was raised.
type IncidentFailureType string

const (
	IncidentDeploymentFailed IncidentFailureType = "deployment_failed"
	IncidentSmokeTestsFailed IncidentFailureType = "smoke_tests_failed"
	IncidentTimeout          IncidentFailureType = "timeout"
)

// IncidentReport is the structured post-mortem emitted on DevOps failure.
type IncidentReport struct {
	StoryID            string              `json:"story_id"`
	Severity           string              `json:"severity"` // critical, high, medium
	FailureType        IncidentFailureType `json:"failure_type"`
	RootCause          string              `json:"root_cause"`
	RollbackPerformed  bool                `json:"rollback_performed"`
	RollbackSuccessful bool                `json:"rollback_successful"`
	Resolution         string              `json:"resolution"`
	Recommendations    []string            `json:"recommendations"`
}

// DevOpsResult is the DevOps executor's outcome.
type DevOpsResult struct {
	ResultBase
	StoryID           string            `json:"story_id"`
	MergeCommitHash   string            `json:"merge_commit_hash"`
	DeploymentURL     string            `json:"deployment_url"`
	DeploymentID      string            `json:"deployment_id"`
	Platform          string            `json:"platform"`
	SmokeTests        *SmokeTestResults `json:"smoke_tests,omitempty"`
	RollbackPerformed bool              `json:"rollback_performed"`
	Incident          *IncidentReport   `json:"incident,omitempty"`
}

// HandoffStatus tracks a handoff record through validation and execution.
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffValidated HandoffStatus = "validated"
	HandoffRejected  HandoffStatus = "rejected"
	HandoffExecuted  HandoffStatus = "executed"
)
