package engine

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/martinemde/conductor/toolcall"
)

// BuildSystemPrompt assembles the system prompt for one agent: its role,
// the tool-call wire contract, the available tools, and an environment
// context block.
func BuildSystemPrompt(profile Profile, toolDescriptions string) string {
	var sb strings.Builder
	sb.WriteString(profile.Role)
	sb.WriteString("\n\n")
	sb.WriteString(wireContract())
	if toolDescriptions != "" {
		sb.WriteString("\n# Available tools\n\n")
		sb.WriteString(toolDescriptions)
	}
	sb.WriteString("\n")
	sb.WriteString(environmentContext())
	return sb.String()
}

// wireContract states the tool-call protocol the agent must follow.
func wireContract() string {
	return fmt.Sprintf(`# Tool calls

To act, emit exactly ONE fenced block tagged `+"`tool`"+` per response,
containing a JSON object:

`+"```"+`tool
{"name": "tool_name", "params": {"key": "value"}}
`+"```"+`

Only the first tool block in a response is executed; never emit more than
one. After each call you receive the result as the next message.

Reserved calls:
- %s with {"summary": "..."} ends the task successfully.
- %s with {"question": "..."} pauses until the user answers.

If the task is finished and you have nothing left to call, reply with the
word %s and a short summary instead of a tool block.`,
		toolcall.NameTaskComplete, toolcall.NameAskUser, CompletionMarker)
}

// environmentContext renders the block of facts about where the agent runs.
func environmentContext() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "(unknown)"
	}
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", wd)
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	sb.WriteString("</environment>")
	return sb.String()
}
