package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"rpcbatchd/internal/cache"
	"rpcbatchd/internal/config"
	"rpcbatchd/internal/dispatch"
	"rpcbatchd/internal/jsonrpc"
	"rpcbatchd/internal/plugin"
)

// Handler handles HTTP JSON-RPC requests
type Handler struct {
	router      *Router
	cache       cache.Cache
	policy      *cache.Policy
	plugins     plugin.Runner
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(router *Router, rpcCache cache.Cache, policy *cache.Policy, plugins plugin.Runner, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		router:      router,
		cache:       rpcCache,
		policy:      policy,
		plugins:     plugins,
		maxBodySize: cfg.MaxBodySize,
		logger:      logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeHTTP handles HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	group, err := h.router.GetGroupFromPath(r.URL.Path)
	if err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error())))
		return
	}

	var body []byte
	if h.maxBodySize > 0 {
		body, err = io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
		if err == nil && int64(len(body)) > h.maxBodySize {
			h.writeResponse(w, jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "request body too large")))
			return
		}
	} else {
		body, err = io.ReadAll(r.Body)
	}
	if err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeParseError, "failed to read request body")))
		return
	}

	requests, isBatch, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrParse))
		return
	}

	for _, req := range requests {
		if err := req.Validate(); err != nil {
			h.writeResponse(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error())))
			return
		}
	}

	ctx := r.Context()
	if isBatch {
		responses := h.ProcessMany(ctx, group, requests)
		h.writeBatchResponse(w, responses)
	} else {
		h.writeResponse(w, h.Process(ctx, group, requests[0]))
	}
}

// Process serves one request: plugin hook first, then cache, then the
// group's coalescer. Used by both the HTTP and the WebSocket surfaces.
func (h *Handler) Process(ctx context.Context, group *Group, req *jsonrpc.Request) *jsonrpc.Response {
	if h.plugins != nil && h.plugins.HasPlugin(req.Method) {
		return h.plugins.Execute(ctx, req.Method, req.ID, req.Params, &coalescerCaller{ctx: ctx, coalescer: group.Coalescer})
	}

	cacheable := h.policy.IsCacheable(req.Method)
	var cacheKey string
	if cacheable {
		cacheKey = cache.GenerateKey(group.Name, req.Method, req.Params)
		if data, found := h.cache.Get(cacheKey); found {
			if resp, err := jsonrpc.ParseResponse(data); err == nil {
				resp.ID = req.ID
				h.logger.Debug().Str("method", req.Method).Msg("cache hit")
				return resp
			}
		}
	}

	resp, err := group.Coalescer.Submit(req).Get(ctx)
	if err != nil {
		h.logger.Error().Err(err).Str("method", req.Method).Msg("request failed")
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
		}
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}

	if cacheable && resp.IsSuccess() {
		if data, err := resp.Bytes(); err == nil {
			h.cache.Set(cacheKey, data)
		}
	}

	return resp
}

// ProcessMany serves a client-side batch. Each request is submitted
// individually so it coalesces with requests from other clients too.
func (h *Handler) ProcessMany(ctx context.Context, group *Group, requests []*jsonrpc.Request) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, len(requests))
	done := make(chan int, len(requests))
	for i, req := range requests {
		go func(i int, req *jsonrpc.Request) {
			responses[i] = h.Process(ctx, group, req)
			done <- i
		}(i, req)
	}
	for range requests {
		<-done
	}
	return responses
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (h *Handler) writeBatchResponse(w http.ResponseWriter, responses []*jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(responses); err != nil {
		h.logger.Error().Err(err).Msg("failed to write batch response")
	}
}

// coalescerCaller lets plugins make upstream calls that ride the same
// batching dispatcher as regular client traffic.
type coalescerCaller struct {
	ctx       context.Context
	coalescer *Coalescer
}

func (c *coalescerCaller) Call(method string, params interface{}) (json.RawMessage, error) {
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(1))
	if err != nil {
		return nil, err
	}
	resp, err := c.coalescer.Submit(req).Get(c.ctx)
	if err != nil {
		return nil, err
	}
	if resp.HasError() {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// BatchCall submits every call individually; the dispatcher groups them
// into upstream batches together with concurrent client traffic.
func (c *coalescerCaller) BatchCall(calls []plugin.CallRequest) ([]json.RawMessage, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	futures := make([]*dispatch.Future[*jsonrpc.Response], len(calls))
	for i, call := range calls {
		req, err := jsonrpc.NewRequest(call.Method, call.Params, jsonrpc.NewIDInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("failed to build call %d: %w", i, err)
		}
		futures[i] = c.coalescer.Submit(req)
	}

	results := make([]json.RawMessage, len(futures))
	for i, fut := range futures {
		resp, err := fut.Get(c.ctx)
		if err != nil {
			return nil, err
		}
		if resp.HasError() {
			errJSON, _ := json.Marshal(map[string]interface{}{
				"error": map[string]interface{}{
					"code":    resp.Error.Code,
					"message": resp.Error.Message,
				},
			})
			results[i] = errJSON
		} else {
			results[i] = resp.Result
		}
	}
	return results, nil
}
