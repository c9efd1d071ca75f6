package nn

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

// Module is the minimal trainable unit contract.
type Module interface {
	Parameters() []*tensor.Tensor
	ZeroGrad()
}

// StatefulModule adds named state capture for checkpointing.
type StatefulModule interface {
	Module
	StateDict(prefix string, state map[string]*tensor.Tensor)
	LoadState(prefix string, state map[string]*tensor.Tensor) error
}

func ZeroGradAll(mods ...Module) {
	for _, m := range mods {
		if m == nil {
			continue
		}
		m.ZeroGrad()
	}
}

// SaveModule writes a module's named state to path.
func SaveModule(path string, mod Module) error {
	if mod == nil {
		return errors.New("SaveModule requires non-nil module")
	}
	state := make(map[string]*tensor.Tensor)
	sm, ok := mod.(StatefulModule)
	if !ok {
		return errors.New("SaveModule requires a StatefulModule")
	}
	sm.StateDict("", state)
	if len(state) == 0 {
		return errors.New("module has no state to save")
	}
	return tensor.SaveTensors(path, state)
}

// LoadModule restores a module's named state from path.
func LoadModule(path string, mod Module) error {
	if mod == nil {
		return errors.New("LoadModule requires non-nil module")
	}
	sm, ok := mod.(StatefulModule)
	if !ok {
		return errors.New("LoadModule requires a StatefulModule")
	}
	state, err := tensor.LoadTensors(path)
	if err != nil {
		return err
	}
	return sm.LoadState("", state)
}

func joinPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "." + name
}

func loadInto(dst *tensor.Tensor, state map[string]*tensor.Tensor, key string) error {
	src, ok := state[key]
	if !ok {
		return fmt.Errorf("missing parameter %s", key)
	}
	if err := tensor.CopyInto(dst, src); err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	return nil
}
