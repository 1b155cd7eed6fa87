package tools

// RegisterCoreTools installs the built-in tool set every agent loop gets by
// default: shell execution in workspace, filesystem read/write/list (which
// accept any path), edit (confined to workspace), and (when
// webSearchAPIKey is non-empty) web search. Channel-, memory-,
// and subagent-specific tools are registered by their own owners.
func RegisterCoreTools(registry *ToolRegistry, workspace, webSearchAPIKey string, webSearchMaxResults int) {
	registry.Register(NewExecTool(workspace))
	registry.Register(&ReadFileTool{})
	registry.Register(&WriteFileTool{})
	registry.Register(&ListDirTool{})
	registry.Register(NewEditFileTool(workspace))

	if webSearchAPIKey != "" {
		registry.Register(NewWebSearchTool(webSearchAPIKey, webSearchMaxResults))
	}
}
