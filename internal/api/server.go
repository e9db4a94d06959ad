// Package api serves the grafted model over HTTP: one generation
// endpoint with optional SSE streaming, and a model-description
// endpoint.
package api

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/bytegraft/bytegraft/internal/generate"
	"github.com/bytegraft/bytegraft/internal/graft"
	"github.com/bytegraft/bytegraft/internal/logger"
	"github.com/bytegraft/bytegraft/internal/tensor"
)

// Server exposes one grafted model. The model is not safe for
// concurrent forward passes, so generations are serialized.
type Server struct {
	g        *graft.Graft
	gen      *generate.Generator
	name     string
	defaults generate.Params
	log      logger.Logger
	limiter  *rate.Limiter

	mu sync.Mutex
}

// NewServer wires a server around g. rps bounds accepted generation
// requests per second; rps <= 0 disables rate limiting.
func NewServer(g *graft.Graft, name string, defaults generate.Params, log logger.Logger, rps float64, burst int) *Server {
	if log == nil {
		log = logger.Default()
	}
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if defaults.MaxNewBytes < 1 {
		defaults.MaxNewBytes = 256
	}
	return &Server{
		g:        g,
		gen:      generate.New(g, log),
		name:     name,
		defaults: defaults,
		log:      log,
		limiter:  limiter,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/model", s.handleModel)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limited", "generation rate limit exceeded")
	}

	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	if req.Prompt == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "prompt is required")
	}

	params := s.defaults
	if req.MaxNewBytes > 0 {
		params.MaxNewBytes = req.MaxNewBytes
	}
	if req.Temperature != 0 {
		params.Temperature = req.Temperature
	}
	if req.TopK > 0 {
		params.TopK = req.TopK
	}
	if req.Seed != 0 {
		params.Seed = req.Seed
	}

	id := "gen_" + uuid.NewString()
	s.log.Info("generate request",
		"id", id,
		"prompt_len", len(req.Prompt),
		"max_new_bytes", params.MaxNewBytes,
		"stream", req.Stream)

	if req.Stream {
		return s.generateStream(c, id, &req, params)
	}

	s.mu.Lock()
	res, err := s.gen.Run(c.Request().Context(), req.Prompt, params, nil)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("generation failed", "id", id, "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}

	return c.JSON(http.StatusOK, s.response(id, res))
}

func (s *Server) generateStream(c *echo.Context, id string, req *GenerateRequest, params generate.Params) error {
	sw, err := newSSEWriter(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}

	s.mu.Lock()
	res, err := s.gen.Run(c.Request().Context(), req.Prompt, params, func(b []byte) error {
		return sw.emit(streamEvent{Type: "generation.delta", Delta: string(b)})
	})
	s.mu.Unlock()
	if err != nil {
		s.log.Error("generation failed", "id", id, "error", err)
		return sw.emit(streamEvent{
			Type:  "generation.failed",
			Error: &APIError{Message: err.Error(), Type: "server_error"},
		})
	}

	resp := s.response(id, res)
	return sw.emit(streamEvent{Type: "generation.done", Response: &resp})
}

func (s *Server) response(id string, res *generate.Result) GenerateResponse {
	return GenerateResponse{
		ID:          id,
		Object:      "generation",
		Model:       s.name,
		Text:        res.Text,
		StopReason:  string(res.StopReason),
		PromptBytes: res.Stats.PromptBytes,
		NewBytes:    res.Stats.NewBytes,
		DurationMS:  res.Stats.Duration.Milliseconds(),
		BytesPerSec: res.Stats.BytesPerSec,
	}
}

func (s *Server) handleModel(c *echo.Context) error {
	pc := s.g.PatchConfig()
	info := ModelInfo{
		Name:            s.name,
		VocabSize:       s.g.Dec.Head.R,
		MaxSeqLen:       s.g.Dec.Cfg.MaxSeqLen,
		EncoderLayers:   len(s.g.Enc.Layers),
		DecoderLayers:   len(s.g.Dec.Layers),
		CrossAttnLayers: s.g.Dec.CrossLayers(),
		Pooling:         string(s.g.Agg.Pool()),
		MinPatchSize:    pc.MinSize,
		MaxPatchSize:    pc.MaxSize,
		InheritedParams: countParams(s.g.InheritedParams()),
		NewParams:       countParams(s.g.NewParams()),
	}
	return c.JSON(http.StatusOK, info)
}

func countParams(params []tensor.Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Data)
	}
	return n
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": APIError{Message: msg, Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode request: %w", err)
	}
	return v, nil
}
