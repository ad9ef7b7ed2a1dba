package config

import "errors"

// ErrMCPServerNotFound indicates an MCP server was not found in the registry.
var ErrMCPServerNotFound = errors.New("MCP server not found")
