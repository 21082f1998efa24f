package agents

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// storyIDPattern is the shape of story ids the planner generates.
var storyIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// Test-runner summary shapes. Jest prints counts on a "Tests:" line in
// arbitrary order; Vitest uses "Tests  N passed | M failed (T)"; coverage
// arrives as an istanbul table row or a text-summary line.
var (
	jestSummaryRe    = regexp.MustCompile(`^\s*Tests:\s+(.+)$`)
	jestCountRe      = regexp.MustCompile(`(\d+)\s+(passed|failed|skipped|todo|total)`)
	vitestSummaryRe  = regexp.MustCompile(`^\s*Tests\s+(\d+)\s+passed(?:\s*\|\s*(\d+)\s+failed)?(?:\s*\|\s*(\d+)\s+skipped)?\s*\((\d+)\)`)
	coverageTableRe  = regexp.MustCompile(`^\s*All files\s*\|?\s*([\d.]+)`)
	coverageStmtsRe  = regexp.MustCompile(`^\s*Statements\s*:\s*([\d.]+)%`)
)

// parseTestResults scans CLI output for a test-runner summary. Zero-filled
// results (never nil semantics) are returned when nothing matches.
func parseTestResults(lines []string) (v1.TestResults, bool) {
	var res v1.TestResults
	matched := false

	for _, line := range lines {
		if m := jestSummaryRe.FindStringSubmatch(line); m != nil {
			for _, count := range jestCountRe.FindAllStringSubmatch(m[1], -1) {
				n, _ := strconv.Atoi(count[1])
				switch count[2] {
				case "passed":
					res.Passed = n
				case "failed":
					res.Failed = n
				case "skipped", "todo":
					res.Skipped += n
				case "total":
					res.Total = n
				}
			}
			matched = true
			continue
		}
		if m := vitestSummaryRe.FindStringSubmatch(line); m != nil {
			res.Passed, _ = strconv.Atoi(m[1])
			if m[2] != "" {
				res.Failed, _ = strconv.Atoi(m[2])
			}
			if m[3] != "" {
				res.Skipped, _ = strconv.Atoi(m[3])
			}
			res.Total, _ = strconv.Atoi(m[4])
			matched = true
			continue
		}
		if m := coverageTableRe.FindStringSubmatch(line); m != nil {
			res.Coverage, _ = strconv.ParseFloat(m[1], 64)
			continue
		}
		if m := coverageStmtsRe.FindStringSubmatch(line); m != nil {
			res.Coverage, _ = strconv.ParseFloat(m[1], 64)
			continue
		}
	}

	if matched && res.Total == 0 {
		res.Total = res.Passed + res.Failed + res.Skipped
	}
	return res, matched
}

// extractJSONBlock finds the last fenced ```json block in the output and
// unmarshals it into target. CLI agents report structured artifacts this way.
func extractJSONBlock(lines []string, target interface{}) error {
	var blocks []string
	var current []string
	inBlock := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !inBlock && strings.HasPrefix(trimmed, "```json"):
			inBlock = true
			current = nil
		case inBlock && strings.HasPrefix(trimmed, "```"):
			inBlock = false
			blocks = append(blocks, strings.Join(current, "\n"))
		case inBlock:
			current = append(current, line)
		}
	}

	if len(blocks) == 0 {
		return fmt.Errorf("no json block found in output")
	}
	// The last block wins: agents may print intermediate drafts.
	raw := blocks[len(blocks)-1]
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("malformed json block: %w", err)
	}
	return nil
}

// validStoryID reports whether id matches the required \d+-\d+ shape.
func validStoryID(id string) bool {
	return storyIDPattern.MatchString(id)
}
