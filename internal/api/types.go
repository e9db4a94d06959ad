package api

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	MaxNewBytes int     `json:"max_new_bytes,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

// GenerateResponse is the non-streaming reply, and the payload of the
// final streaming event.
type GenerateResponse struct {
	ID          string  `json:"id"`
	Object      string  `json:"object"`
	Model       string  `json:"model"`
	Text        string  `json:"text"`
	StopReason  string  `json:"stop_reason"`
	PromptBytes int     `json:"prompt_bytes"`
	NewBytes    int     `json:"new_bytes"`
	DurationMS  int64   `json:"duration_ms"`
	BytesPerSec float64 `json:"bytes_per_sec"`
}

// ModelInfo describes the served model for GET /v1/model.
type ModelInfo struct {
	Name            string `json:"name"`
	VocabSize       int    `json:"vocab_size"`
	MaxSeqLen       int    `json:"max_seq_len"`
	EncoderLayers   int    `json:"encoder_layers"`
	DecoderLayers   int    `json:"decoder_layers"`
	CrossAttnLayers []int  `json:"cross_attn_layers"`
	Pooling         string `json:"pooling"`
	MinPatchSize    int    `json:"min_patch_size"`
	MaxPatchSize    int    `json:"max_patch_size"`
	InheritedParams int    `json:"inherited_params"`
	NewParams       int    `json:"new_params"`
}

// APIError mirrors the error envelope in every non-2xx reply.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type streamEvent struct {
	Type     string            `json:"type"`
	Delta    string            `json:"delta,omitempty"`
	Response *GenerateResponse `json:"response,omitempty"`
	Error    *APIError         `json:"error,omitempty"`
}
