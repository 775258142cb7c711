package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
)

// Default tool names of a memory server
const (
	ToolSearch       = "search"
	ToolBuildMemory  = "build_memory"
	ToolAddMemory    = "add_memory"
	ToolListMemories = "list_memories"
)

// ToolNames maps memory operations to tool names of the remote server
type ToolNames struct {
	Search       string `yaml:"search"`
	BuildMemory  string `yaml:"build_memory"`
	AddMemory    string `yaml:"add_memory"`
	ListMemories string `yaml:"list_memories"`
}

func (t *ToolNames) setDefaults() {
	if t.Search == "" {
		t.Search = ToolSearch
	}
	if t.BuildMemory == "" {
		t.BuildMemory = ToolBuildMemory
	}
	if t.AddMemory == "" {
		t.AddMemory = ToolAddMemory
	}
	if t.ListMemories == "" {
		t.ListMemories = ToolListMemories
	}
}

// ServerConfig represents configuration of a remote memory server
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   []string          `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
	Tools     ToolNames         `yaml:"tools"`
}

// LoadConfig reads a memory server configuration from a YAML file
func LoadConfig(configPath string) (*ServerConfig, error) {
	absConfigPath, err := getAbsPath(configPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve config path", goerr.V("path", configPath))
	}

	data, err := os.ReadFile(absConfigPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read MCP config file", goerr.V("path", absConfigPath))
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to parse MCP config file", goerr.V("path", absConfigPath))
	}
	if cfg.Name == "" {
		cfg.Name = "memory"
	}
	return &cfg, nil
}

// MemoryClient implements interfaces.MemorySystem by calling tools of a
// remote MCP memory server
type MemoryClient struct {
	name    string
	session *mcp.ClientSession
	tools   ToolNames
	exposed map[string]bool
}

var (
	_ interfaces.MemorySystem = (*MemoryClient)(nil)
	_ interfaces.Snapshotter  = (*MemoryClient)(nil)
)

// Connect connects to the memory server described by cfg
func Connect(ctx context.Context, cfg ServerConfig) (*MemoryClient, error) {
	mcpClient := mcp.NewClient(&mcp.Implementation{
		Name:    "memaudit",
		Version: "0.1.0",
	}, nil)

	var transport mcp.Transport
	var err error

	switch cfg.Transport {
	case "stdio":
		transport, err = createStdioTransport(cfg)
	case "http":
		transport, err = createHTTPTransport(cfg)
	default:
		return nil, goerr.New("unsupported transport",
			goerr.V("transport", cfg.Transport),
			goerr.V("supported", []string{"stdio", "http"}))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create transport", goerr.V("server", cfg.Name))
	}

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to MCP server", goerr.V("server", cfg.Name))
	}

	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, goerr.Wrap(err, "failed to list tools", goerr.V("server", cfg.Name))
	}

	cfg.Tools.setDefaults()
	c := &MemoryClient{
		name:    cfg.Name,
		session: session,
		tools:   cfg.Tools,
		exposed: make(map[string]bool, len(toolsResult.Tools)),
	}
	for _, t := range toolsResult.Tools {
		c.exposed[t.Name] = true
	}

	for _, required := range []string{c.tools.Search, c.tools.BuildMemory, c.tools.AddMemory} {
		if !c.exposed[required] {
			_ = session.Close()
			return nil, goerr.New("memory server lacks a required tool",
				goerr.V("server", cfg.Name),
				goerr.V("tool", required))
		}
	}

	logging.From(ctx).Info("connected to memory server", "server", cfg.Name, "tools", len(toolsResult.Tools))
	return c, nil
}

func createStdioTransport(cfg ServerConfig) (mcp.Transport, error) {
	if len(cfg.Command) == 0 {
		return nil, goerr.New("command is required for stdio transport")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	return &mcp.CommandTransport{Command: cmd}, nil
}

func createHTTPTransport(cfg ServerConfig) (mcp.Transport, error) {
	if cfg.URL == "" {
		return nil, goerr.New("url is required for http transport")
	}

	return &mcp.StreamableClientTransport{
		Endpoint: cfg.URL,
	}, nil
}

// callTool calls toolName and returns the concatenated text content. A tool
// level error is returned as an error.
func (c *MemoryClient) callTool(ctx context.Context, toolName string, arguments map[string]any) (string, error) {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: arguments,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to call tool",
			goerr.V("server", c.name),
			goerr.V("tool", toolName))
	}

	var texts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	text := strings.Join(texts, "\n")

	if result.IsError {
		return "", goerr.New("tool returned an error",
			goerr.V("server", c.name),
			goerr.V("tool", toolName),
			goerr.V("message", text))
	}
	return text, nil
}

func (c *MemoryClient) Search(ctx context.Context, userID, query string, opts ...interfaces.SearchOption) (string, error) {
	options := interfaces.NewSearchOptions(opts...)
	args := map[string]any{
		"user_id": userID,
		"query":   query,
	}
	if options.TopK > 0 {
		args["top_k"] = options.TopK
	}
	if options.Method != "" {
		args["method"] = string(options.Method)
	}

	answer, err := c.callTool(ctx, c.tools.Search, args)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (c *MemoryClient) BuildMemory(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error) {
	text, err := c.callTool(ctx, c.tools.BuildMemory, map[string]any{
		"user_id":  userID,
		"dialogue": dialogue.String(),
	})
	if err != nil {
		return nil, err
	}

	var result model.BuildResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, goerr.Wrap(err, "failed to decode build result", goerr.V("server", c.name), goerr.V("text", text))
	}
	if result.Status == model.BuildStatusError {
		return nil, goerr.New("memory server failed to build memory", goerr.V("server", c.name), goerr.V("user_id", userID))
	}
	return &result, nil
}

func (c *MemoryClient) AddMemory(ctx context.Context, userID, content string, metadata map[string]string) (model.MemoryID, error) {
	args := map[string]any{
		"user_id": userID,
		"content": content,
	}
	if len(metadata) > 0 {
		args["metadata"] = metadata
	}
	text, err := c.callTool(ctx, c.tools.AddMemory, args)
	if err != nil {
		return "", err
	}

	var resp struct {
		MemoryID model.MemoryID `json:"memory_id"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err == nil && resp.MemoryID != "" {
		return resp.MemoryID, nil
	}
	// plain text id
	if id := strings.TrimSpace(text); id != "" {
		return model.MemoryID(id), nil
	}
	return "", goerr.New("memory server returned no memory id", goerr.V("server", c.name))
}

// ListMemories returns the records of the user when the server exposes a
// listing tool, otherwise model.ErrNotSupported
func (c *MemoryClient) ListMemories(ctx context.Context, userID string) ([]*model.MemoryRecord, error) {
	if !c.exposed[c.tools.ListMemories] {
		return nil, goerr.Wrap(model.ErrNotSupported, "memory server cannot list memories", goerr.V("server", c.name))
	}

	text, err := c.callTool(ctx, c.tools.ListMemories, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Memories []*model.MemoryRecord `json:"memories"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to decode memories", goerr.V("server", c.name))
	}
	return resp.Memories, nil
}

// Close closes the connection to the memory server
func (c *MemoryClient) Close() error {
	if err := c.session.Close(); err != nil {
		return goerr.Wrap(err, "failed to close session", goerr.V("server", c.name))
	}
	return nil
}

// getAbsPath returns absolute path, resolving relative paths from current directory
func getAbsPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Abs(path)
}
