package core

import (
	"github.com/encodeous/bristlemouth/state"
)

// bcmpGc completes requests whose replies never came
func bcmpGc(s *state.State) error {
	expired := 0
	expired += Get[*Info](s).pending.Expire()
	expired += Get[*Ping](s).pending.Expire()
	expired += Get[*TimeSync](s).pending.Expire()
	expired += Get[*Resources](s).pending.Expire()
	expired += Get[*ConfigProto](s).pending.Expire()
	expired += Get[*Topology](s).pending.Expire()
	expired += Get[*Reboot](s).pending.Expire()
	if expired > 0 {
		s.Log.Debug("expired unanswered requests", "count", expired)
	}

	// neighbors that stopped sending heartbeats between ticks
	Get[*Neighbors](s).CheckLiveness(s)
	return nil
}
