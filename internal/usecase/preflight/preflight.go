// Package preflight implements the startup check §6 requires: the
// agent-hub MCP server must be present in the relay host's MCP
// configuration before the daemon starts routing messages to it.
package preflight

import (
	"encoding/json"
	"os"

	"brokerd/internal/domain"
	"brokerd/internal/infra/config"
)

type mcpConfigFile struct {
	MCPServers map[string]json.RawMessage `json:"mcpServers"`
}

// CheckHubMCP verifies that cfg.MCPServerName is registered in the relay
// host's MCP config file at cfg.MCPConfigPath. A missing file or a missing
// entry is domain.ErrMCPMissing, the fatal-at-startup condition exit code 2
// reports.
func CheckHubMCP(cfg config.RelayConfig) error {
	if cfg.MCPConfigPath == "" || cfg.MCPServerName == "" {
		return domain.NewBrokerError("preflight.CheckHubMCP", domain.ErrMCPMissing, "no mcp_config_path/mcp_server_name configured")
	}

	data, err := os.ReadFile(cfg.MCPConfigPath)
	if err != nil {
		return domain.NewBrokerError("preflight.CheckHubMCP", domain.ErrMCPMissing,
			"read mcp config "+cfg.MCPConfigPath+": "+err.Error())
	}

	var parsed mcpConfigFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return domain.NewBrokerError("preflight.CheckHubMCP", domain.ErrMCPMissing,
			"parse mcp config "+cfg.MCPConfigPath+": "+err.Error())
	}

	if _, ok := parsed.MCPServers[cfg.MCPServerName]; !ok {
		return domain.NewBrokerError("preflight.CheckHubMCP", domain.ErrMCPMissing,
			"server "+cfg.MCPServerName+" not registered in "+cfg.MCPConfigPath)
	}
	return nil
}
