package plugin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"golang.org/x/crypto/sha3"
)

// Runtime wraps a goja VM with plugin-specific bindings
type Runtime struct {
	vm     *goja.Runtime
	logger zerolog.Logger
}

// NewRuntime creates a new Runtime with all necessary bindings
func NewRuntime(logger zerolog.Logger) *Runtime {
	vm := goja.New()
	r := &Runtime{
		vm:     vm,
		logger: logger,
	}
	r.setupConsole()
	r.setupUtils()
	return r
}

// VM returns the underlying goja runtime
func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

// setupConsole creates console.log/error/warn/debug bindings
func (r *Runtime) setupConsole() {
	console := r.vm.NewObject()

	bind := func(name string, emit func() *zerolog.Event) {
		console.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			emit().Msgf("[plugin] %v", args)
			return goja.Undefined()
		})
	}

	bind("log", r.logger.Info)
	bind("error", r.logger.Error)
	bind("warn", r.logger.Warn)
	bind("debug", r.logger.Debug)

	r.vm.Set("console", console)
}

// setupUtils creates utility functions available to plugin scripts
func (r *Runtime) setupUtils() {
	utils := r.vm.NewObject()

	// hexToBytes converts hex string to byte array
	utils.Set("hexToBytes", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("hexToBytes requires 1 argument"))
		}
		hexStr := strings.TrimPrefix(call.Arguments[0].String(), "0x")
		bytes, err := hex.DecodeString(hexStr)
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("invalid hex string: %v", err)))
		}
		return r.vm.ToValue(bytes)
	})

	// bytesToHex converts byte array to hex string
	utils.Set("bytesToHex", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("bytesToHex requires 1 argument"))
		}
		bytes, ok := exportBytes(call.Arguments[0].Export())
		if !ok {
			panic(r.vm.ToValue("bytesToHex requires byte array"))
		}
		return r.vm.ToValue("0x" + hex.EncodeToString(bytes))
	})

	// keccak256 computes the keccak256 hash of a string, hex string or byte array
	utils.Set("keccak256", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("keccak256 requires 1 argument"))
		}
		var data []byte
		switch v := call.Arguments[0].Export().(type) {
		case string:
			if strings.HasPrefix(v, "0x") {
				decoded, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
				if err != nil {
					panic(r.vm.ToValue(fmt.Sprintf("invalid hex string: %v", err)))
				}
				data = decoded
			} else {
				data = []byte(v)
			}
		default:
			bytes, ok := exportBytes(v)
			if !ok {
				panic(r.vm.ToValue("keccak256 requires string or byte array"))
			}
			data = bytes
		}

		hash := sha3.NewLegacyKeccak256()
		hash.Write(data)
		return r.vm.ToValue("0x" + hex.EncodeToString(hash.Sum(nil)))
	})

	// parseJSON parses a JSON string
	utils.Set("parseJSON", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("parseJSON requires string"))
		}
		var result interface{}
		if err := json.Unmarshal([]byte(call.Arguments[0].String()), &result); err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("invalid JSON: %v", err)))
		}
		return r.vm.ToValue(result)
	})

	// stringifyJSON converts a value to a JSON string
	utils.Set("stringifyJSON", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("stringifyJSON requires value"))
		}
		data, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("JSON stringify error: %v", err)))
		}
		return r.vm.ToValue(string(data))
	})

	r.vm.Set("utils", utils)
}

// exportBytes normalizes goja exports of []byte and []interface{} numbers
func exportBytes(exported interface{}) ([]byte, bool) {
	switch v := exported.(type) {
	case []byte:
		return v, true
	case []interface{}:
		bytes := make([]byte, len(v))
		for i, b := range v {
			switch num := b.(type) {
			case int64:
				bytes[i] = byte(num)
			case float64:
				bytes[i] = byte(num)
			default:
				return nil, false
			}
		}
		return bytes, true
	}
	return nil, false
}

// SetupCaller creates the upstream object with call methods
func (r *Runtime) SetupCaller(caller Caller) {
	upstream := r.vm.NewObject()

	// call executes a single RPC call
	upstream.Set("call", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(r.vm.ToValue("upstream.call requires method and params"))
		}
		method := call.Arguments[0].String()
		params := call.Arguments[1].Export()

		result, err := caller.Call(method, params)
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("upstream call failed: %v", err)))
		}

		var parsed interface{}
		if err := json.Unmarshal(result, &parsed); err != nil {
			return r.vm.ToValue(string(result))
		}
		return r.vm.ToValue(parsed)
	})

	// batchCall executes multiple RPC calls
	upstream.Set("batchCall", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("upstream.batchCall requires array of calls"))
		}

		callsSlice, ok := call.Arguments[0].Export().([]interface{})
		if !ok {
			panic(r.vm.ToValue("upstream.batchCall requires array"))
		}

		calls := make([]CallRequest, 0, len(callsSlice))
		for _, c := range callsSlice {
			callMap, ok := c.(map[string]interface{})
			if !ok {
				panic(r.vm.ToValue("each call must be object with method and params"))
			}
			method, _ := callMap["method"].(string)
			calls = append(calls, CallRequest{
				Method: method,
				Params: callMap["params"],
			})
		}

		results, err := caller.BatchCall(calls)
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("upstream batch call failed: %v", err)))
		}

		parsed := make([]interface{}, len(results))
		for i, result := range results {
			var v interface{}
			if err := json.Unmarshal(result, &v); err != nil {
				parsed[i] = string(result)
			} else {
				parsed[i] = v
			}
		}
		return r.vm.ToValue(parsed)
	})

	r.vm.Set("upstream", upstream)
}

// RunProgram executes a compiled program on the VM
func (r *Runtime) RunProgram(program *goja.Program) (goja.Value, error) {
	return r.vm.RunProgram(program)
}

// InterruptOn interrupts the VM once ctx is done, which makes any
// running script return with an interruption error. The returned stop
// function must be called after the script has finished.
func (r *Runtime) InterruptOn(ctx context.Context) func() {
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-finished:
		}
	}()
	return func() { close(finished) }
}
