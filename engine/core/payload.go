package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// Input is the opaque structured payload supplied by the caller when a task
// is requested. The engine never interprets its contents.
type Input map[string]any

// Output is the opaque result payload produced by a step executor.
type Output map[string]any

func (i Input) AsMap() map[string]any {
	return map[string]any(i)
}

func (o Output) AsMap() map[string]any {
	return map[string]any(o)
}

func deepCopyMap(m map[string]any) (map[string]any, error) {
	copied, ok := deepcopy.Copy(m).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to copy map")
	}
	return copied, nil
}

// Clone returns a deep copy of the input. A nil input clones to nil.
func (i Input) Clone() (Input, error) {
	if i == nil {
		return nil, nil
	}
	copied, err := deepCopyMap(i)
	if err != nil {
		return nil, err
	}
	return Input(copied), nil
}

// Clone returns a deep copy of the output. A nil output clones to nil.
func (o Output) Clone() (Output, error) {
	if o == nil {
		return nil, nil
	}
	copied, err := deepCopyMap(o)
	if err != nil {
		return nil, err
	}
	return Output(copied), nil
}
