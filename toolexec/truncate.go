package toolexec

import (
	"fmt"
	"strings"
)

// TruncationMode selects which part of oversized output survives.
type TruncationMode string

const (
	// TruncateHeadTail keeps the start and end, dropping the middle.
	TruncateHeadTail TruncationMode = "head_tail"
	// TruncateTail keeps the end.
	TruncateTail TruncationMode = "tail"
)

// defaultCharLimits bound tool output size in characters.
var defaultCharLimits = map[string]int{
	"read_file":  50000,
	"shell":      30000,
	"grep":       20000,
	"glob":       20000,
	"list_dir":   20000,
	"edit_file":  10000,
	"write_file": 1000,
}

// defaultModes pick the truncation shape per tool. Search output is most
// useful from the top; file and command output keeps both ends.
var defaultModes = map[string]TruncationMode{
	"read_file":  TruncateHeadTail,
	"shell":      TruncateHeadTail,
	"grep":       TruncateTail,
	"glob":       TruncateTail,
	"list_dir":   TruncateTail,
	"edit_file":  TruncateTail,
	"write_file": TruncateTail,
}

// defaultLineLimits apply after character truncation.
var defaultLineLimits = map[string]int{
	"shell": 256,
	"grep":  200,
	"glob":  500,
}

// fallbackCharLimit applies to tools with no configured limit.
const fallbackCharLimit = 30000

// TruncateOutput applies character-based truncation.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[Output truncated: first %d characters removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	default:
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n\n[Output truncated: %d characters removed from the middle. Re-run with narrower parameters to see a specific section.]\n\n", removed) +
			output[len(output)-half:]
	}
}

// TruncateLines keeps the first and last lines of oversized output.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail

	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateToolOutput applies the per-tool pipeline: character truncation
// first to bound pathological sizes, then line truncation for readability.
// Caller-supplied limits override the defaults per tool.
func TruncateToolOutput(output, toolName string, charLimits, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		if maxChars, ok = defaultCharLimits[toolName]; !ok {
			maxChars = fallbackCharLimit
		}
	}
	mode, ok := defaultModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines := lineLimits[toolName]
	if maxLines == 0 {
		maxLines = defaultLineLimits[toolName]
	}
	if maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}
	return result
}
