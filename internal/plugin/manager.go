package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"rpcbatchd/internal/jsonrpc"
)

// DefaultExecutionTimeout is used when the manager is created without
// an explicit timeout
const DefaultExecutionTimeout = 30 * time.Second

// methodDirectiveRegex matches the @method directive in comments
var methodDirectiveRegex = regexp.MustCompile(`(?m)^//\s*@method\s+(\S+)`)

// Manager loads and runs JavaScript plugins. It implements Runner.
// Scripts are compiled once at load time; each execution gets a fresh
// VM so scripts cannot observe each other's state.
type Manager struct {
	plugins map[string]*Plugin // method -> plugin
	logger  zerolog.Logger
	timeout time.Duration
	mu      sync.RWMutex
}

// NewManager creates a Manager whose executions are bounded by timeout.
// A non-positive timeout selects DefaultExecutionTimeout.
func NewManager(timeout time.Duration, logger zerolog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	return &Manager{
		plugins: make(map[string]*Plugin),
		logger:  logger.With().Str("component", "plugin-manager").Logger(),
		timeout: timeout,
	}
}

// LoadFromDirectory loads all .js plugins from a directory. A file
// without an @method directive is skipped with a warning; a duplicate
// method or a script that does not compile fails the load, since a
// configured plugin that cannot serve its method is a startup error.
func (m *Manager) LoadFromDirectory(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		m.logger.Warn().Str("directory", dir).Msg("plugins directory does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat plugins directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("plugins path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugins directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read plugin %s: %w", entry.Name(), err)
		}
		script := string(content)

		method := extractMethodDirective(script)
		if method == "" {
			m.logger.Warn().
				Str("file", entry.Name()).
				Msg("plugin has no @method directive, skipping")
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".js")
		if prev, exists := m.plugins[method]; exists {
			return fmt.Errorf("plugins %s and %s both register method %s", prev.Name, name, method)
		}

		program, err := goja.Compile(entry.Name(), script, true)
		if err != nil {
			return fmt.Errorf("failed to compile plugin %s: %w", entry.Name(), err)
		}

		m.plugins[method] = &Plugin{
			Name:    name,
			Method:  method,
			Program: program,
		}
		loadedCount++

		m.logger.Info().
			Str("name", name).
			Str("method", method).
			Msg("plugin loaded")
	}

	m.logger.Info().
		Int("loaded", loadedCount).
		Str("directory", dir).
		Msg("plugins loaded")

	return nil
}

// extractMethodDirective extracts the method name from the @method directive
func extractMethodDirective(script string) string {
	matches := methodDirectiveRegex.FindStringSubmatch(script)
	if len(matches) >= 2 {
		return matches[1]
	}
	return ""
}

// HasPlugin checks if a plugin exists for the given method
func (m *Manager) HasPlugin(method string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.plugins[method]
	return exists
}

// Execute runs the plugin for the given method. The script is bounded
// by the manager's timeout: once it expires the VM is interrupted, so a
// stuck script cannot hold the request or leak a goroutine.
func (m *Manager) Execute(ctx context.Context, method string, id jsonrpc.ID, params json.RawMessage, caller Caller) *jsonrpc.Response {
	m.mu.RLock()
	plugin, exists := m.plugins[method]
	m.mu.RUnlock()

	if !exists {
		return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(ErrCodePluginNotFound, "plugin not found"))
	}

	execCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	return m.executePlugin(execCtx, plugin, id, params, caller)
}

// executePlugin runs the plugin's compiled program on a fresh VM.
func (m *Manager) executePlugin(ctx context.Context, plugin *Plugin, id jsonrpc.ID, params json.RawMessage, caller Caller) *jsonrpc.Response {
	runtime := NewRuntime(m.logger)
	runtime.SetupCaller(caller)
	stop := runtime.InterruptOn(ctx)
	defer stop()

	if _, err := runtime.RunProgram(plugin.Program); err != nil {
		if resp := m.interruptedResponse(ctx, plugin, id); resp != nil {
			return resp
		}
		m.logger.Error().
			Err(err).
			Str("plugin", plugin.Name).
			Msg("failed to load plugin script")
		return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(ErrCodePluginExecution, fmt.Sprintf("script error: %v", err)))
	}

	var parsedParams interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &parsedParams); err != nil {
			return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(ErrCodePluginInvalidArgs, fmt.Sprintf("invalid params: %v", err)))
		}
	}

	result, err := m.callExecute(runtime, parsedParams)
	if err != nil {
		if resp := m.interruptedResponse(ctx, plugin, id); resp != nil {
			return resp
		}
		m.logger.Error().
			Err(err).
			Str("plugin", plugin.Name).
			Msg("plugin execution failed")
		return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(ErrCodePluginExecution, err.Error()))
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeInternalError, fmt.Sprintf("failed to marshal result: %v", err)))
	}

	return &jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      id,
		Result:  resultJSON,
	}
}

// interruptedResponse maps a done execution context to the response the
// client should see, or nil if the script failed on its own.
func (m *Manager) interruptedResponse(ctx context.Context, plugin *Plugin, id jsonrpc.ID) *jsonrpc.Response {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		m.logger.Warn().
			Str("plugin", plugin.Name).
			Dur("timeout", m.timeout).
			Msg("plugin execution timed out")
		return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(ErrCodePluginTimeout, "plugin execution timed out"))
	case ctx.Err() != nil:
		return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeInternalError, "request cancelled"))
	default:
		return nil
	}
}

// callExecute calls the execute function defined by the plugin script
func (m *Manager) callExecute(runtime *Runtime, params interface{}) (interface{}, error) {
	vm := runtime.VM()

	executeVal := vm.Get("execute")
	if executeVal == nil || goja.IsUndefined(executeVal) {
		return nil, fmt.Errorf("execute function not defined")
	}

	execute, ok := goja.AssertFunction(executeVal)
	if !ok {
		return nil, fmt.Errorf("execute is not a function")
	}

	upstreamVal := vm.Get("upstream")

	result, err := execute(goja.Undefined(), vm.ToValue(params), upstreamVal)
	if err != nil {
		if jsErr, ok := err.(*goja.Exception); ok {
			return nil, fmt.Errorf("%s", jsErr.String())
		}
		return nil, err
	}

	return result.Export(), nil
}

// GetMethods returns all registered plugin methods
func (m *Manager) GetMethods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	methods := make([]string, 0, len(m.plugins))
	for method := range m.plugins {
		methods = append(methods, method)
	}
	return methods
}

// Close releases all resources
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins = make(map[string]*Plugin)
	m.logger.Info().Msg("plugin manager closed")
}
