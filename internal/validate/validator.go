// Package validate provides the security and schema gate every worker
// result record passes before it is trusted by the rest of the run.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomctl/loom/pkg/models"
)

// Validator checks result records and classifies them as accepted,
// rejected, or blocked. Validation is a pure function of the record:
// re-validating a record always yields the same verdict and reason.
// Failing records are dropped, never repaired.
type Validator struct {
	// instructionArea is the run's read-only instruction prefix; worker
	// writes under it are rejected.
	instructionArea string
}

// NewValidator creates a validator. instructionArea is the path prefix of
// the run's read-only instruction files (may be empty to disable that check).
func NewValidator(instructionArea string) *Validator {
	return &Validator{instructionArea: instructionArea}
}

// Validate classifies a single result record. The checks run in a fixed
// order (schema, paths, content) and the first failure wins, so the
// rejection reason is stable across re-validation.
func (v *Validator) Validate(rec *models.ResultRecord) models.Verdict {
	verdict := models.Verdict{NodeID: rec.NodeID, Round: rec.Round}

	if reason := v.checkSchema(rec); reason != "" {
		verdict.Kind = models.VerdictRejected
		verdict.Reason = reason
		return verdict
	}
	if reason := v.checkPaths(rec.FilesTouched); reason != "" {
		verdict.Kind = models.VerdictRejected
		verdict.Reason = reason
		return verdict
	}
	if reason := v.checkContent(rec); reason != "" {
		verdict.Kind = models.VerdictRejected
		verdict.Reason = reason
		return verdict
	}

	if rec.Status == models.StatusBlocked {
		verdict.Kind = models.VerdictBlocked
		verdict.Reason = rec.BlockedReason
		return verdict
	}

	verdict.Kind = models.VerdictAccepted
	return verdict
}

// checkSchema verifies required fields and that the payload carries only
// plain data: primitives and flat lists/maps of primitives. Anything that
// smells executable is handled by checkContent.
func (v *Validator) checkSchema(rec *models.ResultRecord) string {
	if rec.NodeID == "" {
		return "missing required field: node_id"
	}
	if rec.Round < 1 {
		return "missing or invalid required field: round"
	}
	if !rec.Status.Valid() {
		return fmt.Sprintf("unrecognized status literal: %q", rec.Status)
	}
	if rec.Status == models.StatusBlocked && rec.BlockedReason == "" {
		return "blocked record missing blocked_reason"
	}
	// Blocked records carry a reason, not a result; completed records
	// must carry a payload.
	if rec.Payload == nil && rec.Status != models.StatusBlocked {
		return "missing required field: payload"
	}

	for _, key := range sortedKeys(rec.Payload) {
		if reason := checkValue(key, rec.Payload[key], 0); reason != "" {
			return reason
		}
	}
	return ""
}

// maxPayloadDepth bounds payload nesting: a top-level list or map of
// primitives is fine, deeper structures are not plain data anymore.
const maxPayloadDepth = 2

// checkValue verifies a payload value is a primitive or a shallow
// collection of primitives.
func checkValue(key string, value any, depth int) string {
	if depth > maxPayloadDepth {
		return fmt.Sprintf("payload field %q nested too deeply", key)
	}

	switch val := value.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return ""
	case []any:
		for _, item := range val {
			if reason := checkValue(key, item, depth+1); reason != "" {
				return reason
			}
		}
		return ""
	case []string:
		return ""
	case map[string]any:
		for _, k := range sortedKeys(val) {
			if reason := checkValue(key+"."+k, val[k], depth+1); reason != "" {
				return reason
			}
		}
		return ""
	default:
		return fmt.Sprintf("payload field %q has non-primitive type %T", key, value)
	}
}

// checkPaths applies path safety rules to every touched file.
func (v *Validator) checkPaths(paths []string) string {
	for _, path := range paths {
		if reason := v.checkPath(path); reason != "" {
			return fmt.Sprintf("%s: %s", path, reason)
		}
	}
	return ""
}

// dangerousPrefixes are absolute locations no worker may write.
var dangerousPrefixes = []string{"/etc", "/usr", "/var", "~/", "/System", "/Library"}

// forbiddenFragments are path fragments that always indicate an attempt
// to reach configuration, CI, or secret material.
var forbiddenFragments = []string{
	".claude/",
	".github/workflows/",
	".gitlab-ci",
	".env",
	"credentials",
}

func (v *Validator) checkPath(path string) string {
	if strings.Contains(path, "..") {
		return "path traversal"
	}
	for _, prefix := range dangerousPrefixes {
		if strings.HasPrefix(path, prefix) {
			return "system path: " + prefix
		}
	}
	lower := strings.ToLower(path)
	for _, fragment := range forbiddenFragments {
		if strings.Contains(lower, fragment) {
			return "forbidden path fragment: " + fragment
		}
	}
	if v.instructionArea != "" && strings.HasPrefix(path, v.instructionArea) {
		return "write into read-only instruction area"
	}
	return ""
}

// checkContent scans every payload string for patterns that would let
// data smuggle instructions: executable expressions, command injection,
// raw network directives, or meta-instructions.
func (v *Validator) checkContent(rec *models.ResultRecord) string {
	for _, key := range sortedKeys(rec.Payload) {
		if reason := scanStrings(key, rec.Payload[key]); reason != "" {
			return reason
		}
	}
	if rec.BlockedReason != "" {
		if pattern := matchDangerous(rec.BlockedReason); pattern != "" {
			return fmt.Sprintf("blocked_reason matches dangerous pattern %q", pattern)
		}
	}
	return ""
}

// scanStrings walks a payload value and scans every string it contains.
func scanStrings(key string, value any) string {
	switch val := value.(type) {
	case string:
		if pattern := matchDangerous(val); pattern != "" {
			return fmt.Sprintf("payload field %q matches dangerous pattern %q", key, pattern)
		}
	case []any:
		for _, item := range val {
			if reason := scanStrings(key, item); reason != "" {
				return reason
			}
		}
	case []string:
		for _, item := range val {
			if reason := scanStrings(key, item); reason != "" {
				return reason
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			if reason := scanStrings(key+"."+k, val[k]); reason != "" {
				return reason
			}
		}
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
