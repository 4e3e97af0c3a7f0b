package control

import (
	"context"
	"time"

	"github.com/danmuck/daqctl/internal/lifecycle"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/transport"
)

// slowUpdater asks the main loop for a slowupdate transition at a fixed
// rate while enabled. It holds its own requester and never touches
// Collection state.
type slowUpdater struct {
	req    transport.Requester
	period time.Duration
	toggle chan bool
}

func newSlowUpdater(req transport.Requester, rateHz int) *slowUpdater {
	return &slowUpdater{
		req:    req,
		period: time.Second / time.Duration(rateHz),
		toggle: make(chan bool, 8),
	}
}

// set never blocks; when the queue is full the oldest toggle is dropped.
func (s *slowUpdater) set(enabled bool) {
	for {
		select {
		case s.toggle <- enabled:
			return
		default:
		}
		select {
		case <-s.toggle:
		default:
		}
	}
}

func (s *slowUpdater) run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	enabled := false
	for {
		select {
		case <-ctx.Done():
			return
		case enabled = <-s.toggle:
			logs.Debugf("control.slowUpdater enabled=%t", enabled)
		case <-ticker.C:
			if !enabled {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, s.period)
			_, err := s.req.Request(rctx, protocol.NewMsg(lifecycle.SlowUpdate.String(), "", "", nil))
			cancel()
			if err != nil && ctx.Err() == nil {
				logs.Debugf("control.slowUpdater request err=%v", err)
			}
		}
	}
}

func (c *Collection) setSlowUpdates(enabled bool) {
	c.slowEnabled = enabled
	if c.slowTicker != nil {
		c.slowTicker.set(enabled)
	}
}
