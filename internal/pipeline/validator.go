package pipeline

import (
	"fmt"
)

// ValidationResult contains the outcome of file result validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	Units    int
}

// ValidateFile performs consistency checks on an aggregated file before it
// is committed. This validates:
// - Unit contiguity (indices 0..n-1)
// - Exactly one final unit, at the end
// - Final unit count matches the number of units
// - Every duration record is well-formed
// - Progress never moves backwards
func ValidateFile(res *FileResult) ValidationResult {
	result := ValidationResult{
		Passed: true,
	}

	// Check 1: Non-empty file
	if len(res.Units) == 0 {
		result.Errors = append(result.Errors, "file has no units")
		result.Passed = false
		return result
	}
	result.Units = len(res.Units)

	// Check 2: Unit contiguity and the last flag
	for i, u := range res.Units {
		if u.Index != i {
			result.Errors = append(result.Errors,
				fmt.Sprintf("unit gap detected: position %d holds unit %d", i, u.Index))
			result.Passed = false
		}
		if u.Last && i != len(res.Units)-1 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("unit %d marked last but %d units follow", u.Index, len(res.Units)-1-i))
			result.Passed = false
		}
	}

	// Check 3: Final count
	final := res.Units[len(res.Units)-1]
	if !final.Last {
		result.Errors = append(result.Errors, fmt.Sprintf("final unit %d not marked last", final.Index))
		result.Passed = false
	}
	if final.Count != len(res.Units) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("unit count mismatch: final unit reports %d, have %d", final.Count, len(res.Units)))
		result.Passed = false
	}

	// Check 4: Duration records
	for _, u := range res.Units {
		if err := u.Durations.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("unit %d: %v", u.Index, err))
			result.Passed = false
		}
		if !u.Durations.Remote.Complete() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unit %d has no remote interval", u.Index))
		}
	}

	// Check 5: Progress monotonicity
	prev := 0
	for _, u := range res.Units {
		if u.Progress.Current < prev {
			result.Errors = append(result.Errors,
				fmt.Sprintf("progress went backwards at unit %d: %d -> %d", u.Index, prev, u.Progress.Current))
			result.Passed = false
		}
		prev = u.Progress.Current
	}

	// Check 6: File total
	if !res.Durations.Total.Complete() {
		result.Warnings = append(result.Warnings, "file total interval incomplete")
	}

	return result
}
