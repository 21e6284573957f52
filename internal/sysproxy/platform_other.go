//go:build !windows && !linux && !darwin

package sysproxy

import "context"

func Native() Platform {
	return unsupported{}
}

type unsupported struct{}

func (unsupported) Read(context.Context) (State, error) { return State{}, ErrUnsupported }
func (unsupported) Apply(context.Context, State) error  { return ErrUnsupported }
