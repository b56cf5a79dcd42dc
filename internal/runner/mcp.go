package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MCPServerConfig describes one MCP server entry, matching the on-disk
// .mcp.json shape used by the agent CLIs.
type MCPServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type mcpFile struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
}

// MergeMCPConfig assembles the effective MCP server set in order: the
// auto-detected .mcp.json in workDir, then each configured path, then inline
// definitions. Later sources override same-name entries. An unreadable
// auto-detected file is skipped; an unreadable configured path is an error.
func MergeMCPConfig(workDir string, paths []string, inline map[string]MCPServerConfig) (map[string]MCPServerConfig, error) {
	merged := make(map[string]MCPServerConfig)

	if workDir != "" {
		auto := filepath.Join(workDir, ".mcp.json")
		if servers, err := readMCPFile(auto); err == nil {
			for name, srv := range servers {
				merged[name] = srv
			}
		}
	}

	for _, path := range paths {
		servers, err := readMCPFile(path)
		if err != nil {
			return nil, fmt.Errorf("mcp config %s: %w", path, err)
		}
		for name, srv := range servers {
			merged[name] = srv
		}
	}

	for name, srv := range inline {
		merged[name] = srv
	}

	return merged, nil
}

// WriteMCPConfig materializes a merged server set as a temp .mcp.json usable
// via a CLI --mcp-config flag. Returns "" when there are no servers.
func WriteMCPConfig(dir string, servers map[string]MCPServerConfig) (string, error) {
	if len(servers) == 0 {
		return "", nil
	}
	data, err := json.MarshalIndent(mcpFile{MCPServers: servers}, "", "  ")
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "mcp-*.json")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func readMCPFile(path string) (map[string]MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file mcpFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.MCPServers, nil
}
