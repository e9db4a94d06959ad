package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bytegraft/bytegraft/internal/logger"
	"github.com/bytegraft/bytegraft/internal/safetensors"
	"github.com/bytegraft/bytegraft/internal/tensor"
)

// LoadReport records the outcome of a non-strict checkpoint load.
type LoadReport struct {
	// Loaded names tensors copied from the file.
	Loaded []string
	// Missing names wanted tensors absent from the file; their
	// destinations keep their initialization.
	Missing []string
	// Skipped names file tensors nothing consumed, including the
	// denied pretrained embedding and output head.
	Skipped []string
}

// LoadParams copies file tensors into params by name. Missing tensors
// are tolerated; shape mismatches are not.
func LoadParams(f *safetensors.File, params []tensor.Param, rep *LoadReport) error {
	for _, p := range params {
		info, ok := f.Tensor(p.Name)
		if !ok {
			rep.Missing = append(rep.Missing, p.Name)
			continue
		}
		n, err := info.NumElements()
		if err != nil {
			return fmt.Errorf("tensor %s: %w", p.Name, err)
		}
		if n != len(p.Data) {
			return fmt.Errorf("tensor %s: checkpoint shape %v does not match %v", p.Name, info.Shape, p.Shape)
		}
		data, _, err := f.ReadTensorF32(p.Name)
		if err != nil {
			return err
		}
		copy(p.Data, data)
		rep.Loaded = append(rep.Loaded, p.Name)
	}
	return nil
}

// Load performs the non-strict load of a checkpoint into the decoder:
// inherited pretrained weights by their qwen2 names, grafted weights
// by their graft. names, with the pretrained token embedding and
// output head always excluded. Tensors named in exclude are left at
// their initialization as well.
func (d *Decoder) Load(f *safetensors.File, log logger.Logger, exclude ...string) (*LoadReport, error) {
	rep := &LoadReport{}

	params := d.InheritedParams()
	params = append(params, d.NewParams()...)
	params = FilterExcluded(params, exclude)

	if err := LoadParams(f, params, rep); err != nil {
		return nil, err
	}
	if err := d.LoadGates(f, exclude...); err != nil {
		return nil, err
	}

	consumed := make(map[string]bool, len(rep.Loaded))
	for _, name := range rep.Loaded {
		consumed[name] = true
	}
	for _, name := range f.Names() {
		if !consumed[name] {
			rep.Skipped = append(rep.Skipped, name)
		}
	}
	sort.Strings(rep.Skipped)

	if log != nil {
		log.Info("checkpoint loaded",
			"path", f.Path,
			"loaded", len(rep.Loaded),
			"missing", len(rep.Missing),
			"skipped", len(rep.Skipped))
		for _, name := range rep.Skipped {
			if isDenied(name) {
				log.Debug("pretrained tensor excluded by graft", "tensor", name)
			}
		}
	}
	return rep, nil
}

// LoadGates copies adapter gate scalars from the file. The gate
// entries produced by NewParams are copies, so they need this explicit
// write-back. Missing or excluded gates keep their initialization.
func (d *Decoder) LoadGates(f *safetensors.File, exclude ...string) error {
	for i := range d.Layers {
		if d.Layers[i].Cross == nil {
			continue
		}
		name := crossName(i, "gate")
		if nameIn(name, exclude) {
			continue
		}
		if _, ok := f.Tensor(name); !ok {
			continue
		}
		gate, _, err := f.ReadTensorF32(name)
		if err != nil {
			return err
		}
		if len(gate) != 1 {
			return fmt.Errorf("tensor %s: want a single scalar", name)
		}
		d.Layers[i].Cross.Gate = gate[0]
	}
	return nil
}

func isDenied(name string) bool {
	return nameIn(name, DeniedTensors())
}

func nameIn(name string, names []string) bool {
	for _, n := range names {
		if name == n {
			return true
		}
	}
	return false
}

// FilterExcluded drops params whose tensor name a caller asked to keep
// fresh.
func FilterExcluded(params []tensor.Param, exclude []string) []tensor.Param {
	if len(exclude) == 0 {
		return params
	}
	out := params[:0]
	for _, p := range params {
		if !nameIn(p.Name, exclude) {
			out = append(out, p)
		}
	}
	return out
}

// SaveNew writes only the grafted weights to path, so adapter state
// can be checkpointed without duplicating the pretrained stack.
func SaveNew(path string, groups ...[]tensor.Param) error {
	tensors := make(map[string]safetensors.F32Tensor)
	for _, params := range groups {
		for _, p := range params {
			if strings.TrimSpace(p.Name) == "" {
				return fmt.Errorf("unnamed parameter")
			}
			data := make([]float32, len(p.Data))
			copy(data, p.Data)
			tensors[p.Name] = safetensors.F32Tensor{Shape: p.Shape, Data: data}
		}
	}
	return safetensors.WriteF32(path, tensors)
}
