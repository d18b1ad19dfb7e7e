package transfer

import "sync/atomic"

/* OpenState is the only state a channel keeps */
type OpenState struct {
	closed atomic.Bool
}

func (s *OpenState) Check() error {
	if s.closed.Load() {
		return ErrorClosed
	}
	return nil
}

/* MarkClosed returns false if the channel was already closed */
func (s *OpenState) MarkClosed() bool {
	return s.closed.CompareAndSwap(false, true)
}

func (s *OpenState) IsOpen() bool {
	return !s.closed.Load()
}
