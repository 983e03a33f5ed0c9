package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned when executing or fetching an unknown tool
var ErrToolNotFound = errors.New("tool not found")

// Tool represents a callable builtin tool with its metadata and execution function
type Tool struct {
	Name        string
	DisplayName string // User-friendly name (e.g., "Scrape Web Page")
	Description string
	Parameters  map[string]interface{} // JSON-schema style parameter description
	Execute     ExecuteFunc
	Category    string   // data_sources, computation, time, output, integration
	Keywords    []string // Keywords for client-side tool search
}

// ExecuteFunc is the function signature for tool execution
type ExecuteFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// Registry manages the builtin tools
type Registry struct {
	tools map[string]*Tool
	mutex sync.RWMutex
}

// NewRegistry creates a registry with all builtin tools registered
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	registerBuiltins(r)
	return r
}

// registerBuiltins registers the default tool set
func registerBuiltins(r *Registry) {
	_ = r.Register(NewTimeTool())
	_ = r.Register(NewScraperTool())
	_ = r.Register(NewReadDocumentTool())
	_ = r.Register(NewRenderMarkdownTool())
	_ = r.Register(NewHTTPRequestTool())
}

// Register adds a new tool to the registry
func (r *Registry) Register(tool *Tool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %s must have an Execute function", tool.Name)
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name)
	}

	r.tools[tool.Name] = tool
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tools in OpenAI tool format, sorted by name
func (r *Registry) List() []map[string]interface{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	tools := make([]map[string]interface{}, 0, len(r.tools))
	for _, name := range r.sortedNames() {
		tool := r.tools[name]
		tools = append(tools, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return tools
}

// ToolInfo is a JSON-serializable representation of a Tool (without the Execute function)
type ToolInfo struct {
	Name        string                 `json:"name"`
	DisplayName string                 `json:"display_name"`
	Description string                 `json:"description"`
	Category    string                 `json:"category"`
	Parameters  map[string]interface{} `json:"parameters"`
	Keywords    []string               `json:"keywords"`
}

// ListDetailed returns all tools with full metadata for the tools API
func (r *Registry) ListDetailed() []ToolInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]ToolInfo, 0, len(r.tools))
	for _, name := range r.sortedNames() {
		tool := r.tools[name]
		result = append(result, ToolInfo{
			Name:        tool.Name,
			DisplayName: tool.DisplayName,
			Description: tool.Description,
			Category:    tool.Category,
			Parameters:  tool.Parameters,
			Keywords:    tool.Keywords,
		})
	}
	return result
}

// Execute runs a tool by name with given arguments
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	tool, exists := r.Get(name)
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool.Execute(ctx, args)
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.tools)
}

// Categories returns a map of category names to their tool counts
func (r *Registry) Categories() map[string]int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	categories := make(map[string]int)
	for _, tool := range r.tools {
		if tool.Category != "" {
			categories[tool.Category]++
		}
	}
	return categories
}

// sortedNames must be called with the lock held
func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
