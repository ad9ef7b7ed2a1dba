package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// mcpFile is the on-disk shape of the MCP server configuration file: a map
// of server ID to MCPServerConfig under a single top-level key.
type mcpFile struct {
	MCPServers map[string]*MCPServerConfig `yaml:"mcp_servers"`
}

// LoadMCPServerRegistry reads path, expands ${VAR}/$VAR environment
// references (so bearer tokens and API keys never live in the file
// itself), and builds a ready-to-use MCPServerRegistry.
func LoadMCPServerRegistry(path string) (*MCPServerRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mcp config %s: %w", path, err)
	}

	var parsed mcpFile
	if err := yaml.Unmarshal(ExpandEnv(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parsing mcp config %s: %w", path, err)
	}

	return NewMCPServerRegistry(parsed.MCPServers), nil
}
