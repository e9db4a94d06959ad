package encoder

import (
	"fmt"

	"github.com/bytegraft/bytegraft/internal/tensor"
)

func paramName(suffix string) string {
	return "graft.encoder." + suffix
}

// Params returns every encoder weight under the graft.encoder. prefix.
// All of these are new relative to the pretrained checkpoint. Data
// slices alias live storage.
func (e *Encoder) Params() []tensor.Param {
	out := []tensor.Param{
		tensor.MatParam(paramName("embed.weight"), e.Embed),
		tensor.MatParam(paramName("head.weight"), e.Head),
		tensor.VecParam(paramName("norm.weight"), e.FinalNorm),
	}
	if e.NGram != nil {
		out = append(out, tensor.MatParam(paramName("ngram.weight"), e.NGram))
	}
	for i := range e.Layers {
		l := &e.Layers[i]
		p := func(s string) string { return paramName(fmt.Sprintf("layers.%d.%s", i, s)) }
		out = append(out,
			tensor.VecParam(p("input_layernorm.weight"), l.AttnNorm),
			tensor.MatParam(p("self_attn.q_proj.weight"), l.Wq),
			tensor.MatParam(p("self_attn.k_proj.weight"), l.Wk),
			tensor.MatParam(p("self_attn.v_proj.weight"), l.Wv),
			tensor.MatParam(p("self_attn.o_proj.weight"), l.Wo),
			tensor.VecParam(p("post_attention_layernorm.weight"), l.FfnNorm),
			tensor.MatParam(p("mlp.gate_proj.weight"), l.FfnGate),
			tensor.MatParam(p("mlp.up_proj.weight"), l.FfnUp),
			tensor.MatParam(p("mlp.down_proj.weight"), l.FfnDown),
		)
	}
	return out
}
