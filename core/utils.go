package core

import (
	"reflect"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

func Get[T state.BmModule](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

func registerAll(s *state.State, handlers map[protocol.MessageType]Descriptor) error {
	b := Get[*Bcmp](s)
	for t, d := range handlers {
		if err := b.Register(t, d); err != nil {
			return err
		}
	}
	return nil
}

// unicastHere decides what to do with a message that only its target may act on.
// Messages for other nodes are forwarded and broadcasts (target 0) are ignored.
func unicastHere(s *state.State, target state.NodeId) (bool, error) {
	if target == s.Id {
		return true, nil
	}
	if target == 0 {
		return false, nil
	}
	return false, ErrShouldForward
}
