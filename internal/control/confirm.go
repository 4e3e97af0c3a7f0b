package control

import (
	"context"
	"time"

	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/observability"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
)

type confirmResult struct {
	replies []protocol.Message
	reports []protocol.Message
	// missing keeps the order of the expected ids
	missing []registry.NodeID
	// failed is set when an err_info message ended the wait early
	failed bool
}

// confirm waits until every expected id answered msgID, the timeout passes
// or a participant reports a failure. An empty msgID adopts the id of the
// first non-report reply. Progress is published under label when set.
func (c *Collection) confirm(ctx context.Context, label string, timeout time.Duration, msgID string, expected []registry.NodeID) confirmResult {
	var res confirmResult
	pending := make(map[registry.NodeID]struct{}, len(expected))
	for _, id := range expected {
		pending[id] = struct{}{}
	}
	begin := time.Now()
	end := begin.Add(timeout)

	for len(pending) > 0 && !res.failed && ctx.Err() == nil {
		remaining := time.Until(end)
		if remaining <= 0 {
			break
		}
		if label != "" {
			c.reportProgress(begin, end, label)
		}
		timer := time.NewTimer(min(c.cfg.Slice, remaining))
	slice:
		for {
			select {
			case <-ctx.Done():
				break slice
			case <-timer.C:
				break slice
			case msg := <-c.backend.Incoming():
				pending = c.absorb(&res, msg, &msgID, pending)
				if len(pending) == 0 || res.failed {
					break slice
				}
			}
		}
		timer.Stop()
	}

	for _, id := range expected {
		if _, ok := pending[id]; ok {
			res.missing = append(res.missing, id)
		}
	}
	// a failing sender outside the expected set still counts as missing
	if res.failed && len(res.missing) == 0 {
		for id := range pending {
			res.missing = append(res.missing, id)
		}
	}
	metricLabel := label
	if metricLabel == "" {
		metricLabel = "unlabeled"
	}
	observability.RecordConfirm(c.cfg.Platform, metricLabel, time.Since(begin), len(res.missing))
	if len(res.missing) > 0 {
		logs.Warnf("control.confirm label=%q msg_id=%q missing=%d of %d", label, msgID, len(res.missing), len(expected))
	}
	return res
}

// absorb applies one incoming message to an in-flight confirmation and
// returns the (possibly collapsed) pending set.
func (c *Collection) absorb(res *confirmResult, msg protocol.Message, msgID *string, pending map[registry.NodeID]struct{}) map[registry.NodeID]struct{} {
	key := msg.Key()
	report := protocol.IsReport(key)
	if !report {
		if *msgID == "" {
			*msgID = msg.MsgID()
		}
		if msg.MsgID() != *msgID {
			logs.Warnf("control.confirm unexpected msg_id got=%q want=%q key=%q sender=%q", msg.MsgID(), *msgID, key, msg.Header.SenderID)
			return pending
		}
	}

	sender := registry.NodeID(msg.Header.SenderID)
	if _, hasErr := msg.ErrInfo(); hasErr && key != protocol.KeyWarning {
		logs.Debugf("control.confirm sender=%q reported failure key=%q", sender, key)
		pending = map[registry.NodeID]struct{}{sender: {}}
		res.failed = true
	}

	if report {
		res.reports = append(res.reports, msg)
		return pending
	}
	if _, ok := pending[sender]; !ok {
		logs.Debugf("control.confirm ignored sender=%q key=%q", sender, key)
		return pending
	}
	delete(pending, sender)
	res.replies = append(res.replies, msg)
	return pending
}

// checkAnswers reports every reply carrying err_info and returns how many did.
func (c *Collection) checkAnswers(replies []protocol.Message) int {
	n := 0
	for _, reply := range replies {
		info, ok := reply.ErrInfo()
		if !ok {
			continue
		}
		name := reply.Header.SenderID
		if names := c.reg.Names([]registry.NodeID{registry.NodeID(reply.Header.SenderID)}); len(names) > 0 {
			name = names[0]
		}
		c.reportError(name + ": " + info)
		n++
	}
	return n
}
