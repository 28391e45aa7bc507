package plugin

import (
	"context"
	"encoding/json"

	"github.com/dop251/goja"

	"rpcbatchd/internal/jsonrpc"
)

// Plugin represents a loaded JavaScript plugin
type Plugin struct {
	Name    string        // plugin name (filename without extension)
	Method  string        // RPC method this plugin handles
	Program *goja.Program // compiled at load time
}

// Runner defines the plugin execution interface
type Runner interface {
	// HasPlugin checks if a plugin exists for the given method
	HasPlugin(method string) bool
	// Execute runs the plugin for the given method
	Execute(ctx context.Context, method string, id jsonrpc.ID, params json.RawMessage, caller Caller) *jsonrpc.Response
	// GetMethods returns all registered plugin methods
	GetMethods() []string
	// Close releases all resources
	Close()
}

// Caller lets plugins reach upstream RPC endpoints
type Caller interface {
	// Call executes a single RPC call to upstream
	Call(method string, params interface{}) (json.RawMessage, error)
	// BatchCall executes multiple RPC calls to upstream
	BatchCall(calls []CallRequest) ([]json.RawMessage, error)
}

// CallRequest represents a single RPC call in a batch
type CallRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// Error represents an error that occurred during plugin execution
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Plugin error codes
const (
	ErrCodePluginNotFound    = -32001
	ErrCodePluginExecution   = -32011
	ErrCodePluginTimeout     = -32012
	ErrCodePluginInvalidArgs = -32013
)
