package session

import (
	"github.com/alessandrocornacchia/microview-cp/internal/rdmacm"
)

// maxCompletionBatch bounds a single non-blocking CQ drain.
const maxCompletionBatch = 32

// drainOnce blocks for one completion-channel event, then rearms
// notification and drains whatever is currently on the CQ, following
// spec.md §4.3's "waits on the completion channel, acks events, rearms
// notification, and drains the CQ" sequence. It returns the batch of
// work completions observed, which may be empty if the event was
// spurious relative to this particular drain.
func drainOnce(cc *rdmacm.CompChannel, cq *rdmacm.CQ) ([]rdmacm.WorkCompletion, error) {
	evCQ, err := cc.GetCQEvent()
	if err != nil {
		return nil, err
	}
	cc.AckEvents(evCQ, 1)

	if err := cq.ReqNotify(false); err != nil {
		return nil, err
	}

	return cq.Poll(maxCompletionBatch)
}
