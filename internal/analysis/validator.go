package analysis

import (
	"github.com/pair-review/pair-review/internal/store"
)

// ValidationResult partitions validated suggestions. Every input
// suggestion lands in exactly one bucket.
type ValidationResult struct {
	Valid     []store.Suggestion
	Converted []store.Suggestion
	Dropped   []store.Suggestion
}

// ValidateLines checks each suggestion's line range against the line
// counts of the files it targets. lineCounts uses -1 for files that are
// missing or unreadable. Policy:
//
//   - nil line range: passes through as file-level.
//   - file absent from lineCounts, or count -1: passes through unchanged
//     (the file may live outside the diff).
//   - count 0 or any boundary violation: converted to file-level when
//     convertToFileLevel is set, otherwise dropped.
//
// Converted suggestions keep every non-coordinate field untouched.
func ValidateLines(suggestions []store.Suggestion, lineCounts map[string]int, convertToFileLevel bool) ValidationResult {
	var result ValidationResult

	for _, sg := range suggestions {
		if sg.LineStart == nil && sg.LineEnd == nil {
			sg.IsFileLevel = true
			result.Valid = append(result.Valid, sg)
			continue
		}

		count, known := lineCounts[sg.File]
		if !known || count == -1 {
			result.Valid = append(result.Valid, sg)
			continue
		}

		if inBounds(sg.LineStart, sg.LineEnd, count) {
			result.Valid = append(result.Valid, sg)
			continue
		}

		if convertToFileLevel {
			sg.LineStart = nil
			sg.LineEnd = nil
			sg.IsFileLevel = true
			result.Converted = append(result.Converted, sg)
		} else {
			result.Dropped = append(result.Dropped, sg)
		}
	}
	return result
}

func inBounds(start, end *int, count int) bool {
	if count == 0 || start == nil || end == nil {
		return false
	}
	return 1 <= *start && *start <= *end && *end <= count
}
