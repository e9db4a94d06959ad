package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/bytegraft/bytegraft/internal/encoder"
	"github.com/bytegraft/bytegraft/internal/generate"
	"github.com/bytegraft/bytegraft/internal/graft"
	"github.com/bytegraft/bytegraft/internal/model"
	"github.com/bytegraft/bytegraft/internal/patch"
)

func testGraft(t *testing.T) *graft.Graft {
	t.Helper()
	g, err := graft.New(graft.Config{
		Encoder: encoder.Config{
			HiddenSize: 16,
			NumLayers:  1,
			NumHeads:   2,
			WindowSize: 8,
			FFNSize:    32,
			MaxSeqLen:  96,
		},
		Decoder: model.Config{
			HiddenSize:      16,
			NumLayers:       2,
			NumHeads:        2,
			NumKVHeads:      1,
			FFNSize:         32,
			MaxSeqLen:       96,
			CrossAttnLayers: 1,
		},
		Patch:         patch.Config{MinSize: 1, MaxSize: 4, Threshold: 3.0},
		Pooling:       patch.PoolMean,
		EntropyWindow: 8,
		Seed:          23,
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func newTestEcho(t *testing.T, rps float64) *echo.Echo {
	t.Helper()
	server := NewServer(testGraft(t), "bytegraft-test", generate.Params{MaxNewBytes: 8}, nil, rps, 1)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGenerateEndpoint(t *testing.T) {
	e := newTestEcho(t, 0)

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","max_new_bytes":4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}

	var resp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "gen_") {
		t.Fatalf("unexpected id %q", resp.ID)
	}
	if resp.Object != "generation" {
		t.Fatalf("object = %q", resp.Object)
	}
	if resp.Model != "bytegraft-test" {
		t.Fatalf("model = %q", resp.Model)
	}
	if resp.StopReason == "" {
		t.Fatal("missing stop reason")
	}
	if resp.NewBytes > 4 {
		t.Fatalf("NewBytes = %d, want <= 4", resp.NewBytes)
	}
}

func TestGenerateValidation(t *testing.T) {
	e := newTestEcho(t, 0)

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing prompt, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "prompt is required") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"x","bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestGenerateStreaming(t *testing.T) {
	e := newTestEcho(t, 0)

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","max_new_bytes":4,"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"generation.done"`) {
		t.Fatalf("missing done event in stream: %s", body)
	}

	// Every line is a data: frame carrying one JSON event.
	var sawDelta bool
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		if ev.Type == "generation.delta" {
			sawDelta = true
		}
		if ev.Type == "generation.done" && ev.Response == nil {
			t.Fatal("done event without response payload")
		}
	}
	if !sawDelta {
		t.Fatalf("no delta events in stream: %s", body)
	}
}

func TestModelEndpoint(t *testing.T) {
	e := newTestEcho(t, 0)

	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}

	var info ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode model info: %v", err)
	}
	if info.Name != "bytegraft-test" {
		t.Fatalf("name = %q", info.Name)
	}
	if info.VocabSize != 259 {
		t.Fatalf("vocab = %d, want 259", info.VocabSize)
	}
	if info.DecoderLayers != 2 || info.EncoderLayers != 1 {
		t.Fatalf("layer counts = %d/%d", info.EncoderLayers, info.DecoderLayers)
	}
	if len(info.CrossAttnLayers) != 1 || info.CrossAttnLayers[0] != 1 {
		t.Fatalf("cross layers = %v", info.CrossAttnLayers)
	}
	if info.MinPatchSize != 1 || info.MaxPatchSize != 4 {
		t.Fatalf("patch sizes = %d..%d", info.MinPatchSize, info.MaxPatchSize)
	}
	if info.NewParams == 0 || info.InheritedParams == 0 {
		t.Fatal("missing parameter counts")
	}
}

func TestGenerateRateLimited(t *testing.T) {
	// One request per hundred seconds with burst 1: the second call
	// must be rejected.
	e := newTestEcho(t, 0.01)

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"a","max_new_bytes":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"a","max_new_bytes":2}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", rec.Code, rec.Body.String())
	}
}
