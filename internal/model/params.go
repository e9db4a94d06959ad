package model

import (
	"fmt"

	"github.com/bytegraft/bytegraft/internal/tensor"
)

// Tensor names follow the qwen2 checkpoint layout for inherited
// weights. New weights live under the graft. prefix so they can never
// collide with pretrained tensors.
const (
	nameFinalNorm = "model.norm.weight"
	nameByteEmbed = "graft.byte_embed.weight"
	nameByteHead  = "graft.byte_head.weight"

	// Pretrained tensors that must never be loaded: the token
	// embedding and output head are replaced by the byte tables.
	deniedEmbed = "model.embed_tokens.weight"
	deniedHead  = "lm_head.weight"
)

func layerName(i int, suffix string) string {
	return fmt.Sprintf("model.layers.%d.%s", i, suffix)
}

func crossName(i int, suffix string) string {
	return fmt.Sprintf("graft.layers.%d.cross_attn.%s", i, suffix)
}

// DeniedTensors lists pretrained tensor names excluded from loading.
func DeniedTensors() []string {
	return []string{deniedEmbed, deniedHead}
}

// InheritedParams returns the decoder weights that map onto the
// pretrained checkpoint. Data slices alias live storage.
func (d *Decoder) InheritedParams() []tensor.Param {
	var out []tensor.Param
	for i := range d.Layers {
		l := &d.Layers[i]
		out = append(out,
			tensor.VecParam(layerName(i, "input_layernorm.weight"), l.AttnNorm),
			tensor.MatParam(layerName(i, "self_attn.q_proj.weight"), l.Wq),
			tensor.VecParam(layerName(i, "self_attn.q_proj.bias"), l.Bq),
			tensor.MatParam(layerName(i, "self_attn.k_proj.weight"), l.Wk),
			tensor.VecParam(layerName(i, "self_attn.k_proj.bias"), l.Bk),
			tensor.MatParam(layerName(i, "self_attn.v_proj.weight"), l.Wv),
			tensor.VecParam(layerName(i, "self_attn.v_proj.bias"), l.Bv),
			tensor.MatParam(layerName(i, "self_attn.o_proj.weight"), l.Wo),
			tensor.VecParam(layerName(i, "post_attention_layernorm.weight"), l.FfnNorm),
			tensor.MatParam(layerName(i, "mlp.gate_proj.weight"), l.FfnGate),
			tensor.MatParam(layerName(i, "mlp.up_proj.weight"), l.FfnUp),
			tensor.MatParam(layerName(i, "mlp.down_proj.weight"), l.FfnDown),
		)
	}
	out = append(out, tensor.VecParam(nameFinalNorm, d.FinalNorm))
	return out
}

// NewParams returns the grafted weights that do not exist in the
// pretrained checkpoint. The gate entry is a copy, not an alias.
func (d *Decoder) NewParams() []tensor.Param {
	out := []tensor.Param{
		tensor.MatParam(nameByteEmbed, d.ByteEmbed),
		tensor.MatParam(nameByteHead, d.Head),
	}
	for i := range d.Layers {
		c := d.Layers[i].Cross
		if c == nil {
			continue
		}
		out = append(out,
			tensor.VecParam(crossName(i, "norm.weight"), c.Norm),
			tensor.MatParam(crossName(i, "q_proj.weight"), c.Wq),
			tensor.MatParam(crossName(i, "k_proj.weight"), c.Wk),
			tensor.MatParam(crossName(i, "v_proj.weight"), c.Wv),
			tensor.MatParam(crossName(i, "o_proj.weight"), c.Wo),
			tensor.Param{Name: crossName(i, "gate"), Shape: []int{1}, Data: []float32{c.Gate}},
		)
	}
	return out
}
