// Package toolcall implements the wire-text protocol between a model and
// the agent loop. Models request tool execution by emitting a fenced block
// tagged `tool` whose body is a JSON object with a required "name" field
// and an optional "params" object. Model output is free-form text, so the
// parser tolerates damage: truncated objects, surplus closing braces, and
// broken quoting around embedded code.
package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved tool names handled by the agent loop itself rather than
// dispatched to an executor.
const (
	NameTaskComplete = "task_complete"
	NameAskUser      = "ask_user"
)

// maxInvalidPreview bounds how much of an unparseable block is kept for
// diagnostic replay to the model.
const maxInvalidPreview = 200

// ToolCall is a single structured request extracted from model text.
type ToolCall struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// StringParam returns a string-typed parameter by key.
func (c ToolCall) StringParam(key string) (string, bool) {
	v, ok := c.Params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ParseResult holds the outcome of scanning one model turn.
//
// Calls are in document order. By contract only Calls[0] is executed per
// turn; agents are prompted to emit exactly one block, so additional calls
// are parsed but deliberately ignored by the caller. Invalid holds bounded
// previews of blocks that could not be recovered, suitable for echoing
// back to the model in a corrective prompt.
type ParseResult struct {
	Calls   []ToolCall
	Invalid []string
}

// HasCalls reports whether at least one call was recovered.
func (r ParseResult) HasCalls() bool { return len(r.Calls) > 0 }

// First returns the call that will be executed for this turn.
func (r ParseResult) First() ToolCall { return r.Calls[0] }

// Parse extracts tool calls from one turn of model output.
//
// Each fenced `tool` block is parsed strictly; on failure the block is
// repaired (see Repair) and re-parsed; if that also fails, a best-effort
// field extraction recovers "name" and "code" directly from the raw text.
// Blocks that survive none of the three passes are recorded in Invalid.
func Parse(modelText string) ParseResult {
	var result ParseResult
	for _, block := range extractBlocks(modelText) {
		call, ok := parseBlock(block)
		if !ok {
			result.Invalid = append(result.Invalid, previewOf(block))
			continue
		}
		result.Calls = append(result.Calls, call)
	}
	return result
}

// extractBlocks returns the bodies of all fenced blocks tagged `tool`,
// non-overlapping and in document order.
func extractBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		open := strings.Index(rest, "```tool")
		if open == -1 {
			return blocks
		}
		body := rest[open+len("```tool"):]

		// The tag must end the fence line; "```tools" or similar is a
		// different (unknown) tag.
		nl := strings.IndexByte(body, '\n')
		if nl == -1 {
			return blocks
		}
		if tag := strings.TrimSpace(body[:nl]); tag != "" {
			rest = body
			continue
		}
		body = body[nl+1:]

		closing := strings.Index(body, "```")
		if closing == -1 {
			// Unterminated fence: treat the remainder as the block body.
			// Models that stop mid-emission still get a repair attempt.
			blocks = append(blocks, strings.TrimSpace(body))
			return blocks
		}
		blocks = append(blocks, strings.TrimSpace(body[:closing]))
		rest = body[closing+3:]
	}
}

// parseBlock runs the strict → repair → fallback pipeline on one block.
func parseBlock(block string) (ToolCall, bool) {
	if call, ok := unmarshalCall(block); ok {
		return call, true
	}
	if call, ok := unmarshalCall(Repair(block)); ok {
		return call, true
	}
	return fallbackExtract(block)
}

// unmarshalCall attempts a strict JSON parse of a block body.
func unmarshalCall(s string) (ToolCall, bool) {
	var raw struct {
		Name   string                 `json:"name"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return ToolCall{}, false
	}
	if raw.Name == "" {
		return ToolCall{}, false
	}
	return ToolCall{Name: raw.Name, Params: raw.Params}, true
}

// Repair normalizes brace balance in a damaged JSON object.
//
// Two damage classes are handled: surplus closers after one well-formed
// object (the text is truncated to the first balanced object) and a
// deficit of closers (the missing "}" run is appended). Quoting damage is
// out of scope here; fallbackExtract covers it. Repair is idempotent:
// applying it to its own output returns the output unchanged.
func Repair(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return s
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}

	if depth > 0 && !inString {
		return s[start:] + strings.Repeat("}", depth)
	}
	return s
}

// fallbackExtract recovers a call from a block whose JSON is beyond
// repair. It pulls the "name" field and, when present, the "code" field
// directly from the raw text so that code-carrying calls survive broken
// quoting inside the code payload.
func fallbackExtract(block string) (ToolCall, bool) {
	name, ok := extractStringField(block, "name")
	if !ok || name == "" {
		return ToolCall{}, false
	}

	call := ToolCall{Name: name}
	if code, ok := extractRawField(block, "code"); ok {
		call.Params = map[string]interface{}{"code": code}
	}
	return call, true
}

// extractStringField finds `"key": "value"` and returns the value. The
// value must not itself contain an unescaped quote.
func extractStringField(s, key string) (string, bool) {
	idx := strings.Index(s, `"`+key+`"`)
	if idx == -1 {
		return "", false
	}
	rest := s[idx+len(key)+2:]
	rest = strings.TrimLeft(rest, " \t:")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := strings.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}

// extractRawField finds `"key": "..."` and returns everything between the
// opening quote and the last quote in the block, unescaping the common
// JSON sequences. Greedy on purpose: code payloads with unescaped inner
// quotes would otherwise be cut short.
func extractRawField(s, key string) (string, bool) {
	idx := strings.Index(s, `"`+key+`"`)
	if idx == -1 {
		return "", false
	}
	rest := s[idx+len(key)+2:]
	rest = strings.TrimLeft(rest, " \t:")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]

	end := strings.LastIndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return unescapeJSONText(rest[:end]), true
}

// unescapeJSONText reverses the escape sequences models reliably produce.
// Anything else is left as-is; this path only runs on already-broken JSON.
func unescapeJSONText(s string) string {
	r := strings.NewReplacer(
		`\n`, "\n",
		`\t`, "\t",
		`\r`, "\r",
		`\"`, `"`,
		`\\`, `\`,
	)
	return r.Replace(s)
}

// previewOf truncates a block for the invalid list.
func previewOf(block string) string {
	if len(block) <= maxInvalidPreview {
		return block
	}
	return fmt.Sprintf("%s... [truncated, %d bytes total]", block[:maxInvalidPreview], len(block))
}
