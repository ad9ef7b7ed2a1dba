package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// toolNameRegex validates the canonical "server.tool" format.
// Both the server and tool parts must start with a word character and contain
// only word characters and hyphens.
var toolNameRegex = regexp.MustCompile(`^([\w][\w-]*)\.([\w][\w-]*)$`)

// NormalizeToolName converts a tool name into the canonical "server.tool"
// form before routing. Anthropic tool names cannot contain dots, so the
// agent client publishes MCP tool definitions as "server__tool"
// (double-underscore joined); any call that comes back from a completion in
// that shape is folded to the dotted form the rest of this package expects.
// Names already in canonical form pass through unchanged.
func NormalizeToolName(name string) string {
	// Convert double-underscore to dot (Anthropic function-name form → canonical)
	if strings.Contains(name, "__") && !strings.Contains(name, ".") {
		return strings.Replace(name, "__", ".", 1)
	}
	return name
}

// SplitToolName splits "server.tool" into (serverID, toolName, error).
// Validates format with strict regex: server and tool parts must be
// word characters and hyphens, non-empty.
func SplitToolName(name string) (serverID, toolName string, err error) {
	matches := toolNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", "", fmt.Errorf(
			"invalid tool name %q: must be in 'server.tool' format "+
				"(e.g., 'memory.search_notes')", name)
	}
	return matches[1], matches[2], nil
}
