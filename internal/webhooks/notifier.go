package webhooks

import (
	"context"
	"time"

	"github.com/jobmesh/jobmesh/internal/jobs"
	"github.com/jobmesh/jobmesh/internal/staking"
)

// JobNotifier adapts the dispatcher to the job registry's notification
// hook. It satisfies the fire-and-forget contract: Notify returns
// immediately and holds no job locks.
type JobNotifier struct {
	dispatcher *Dispatcher
}

// NewJobNotifier creates a notifier backed by the dispatcher.
func NewJobNotifier(d *Dispatcher) *JobNotifier {
	return &JobNotifier{dispatcher: d}
}

// Notify implements jobs.Notifier.
func (n *JobNotifier) Notify(event string, job *jobs.Job, agentAddr string, result map[string]interface{}) {
	if n == nil || n.dispatcher == nil {
		return
	}
	n.dispatcher.Dispatch(context.Background(), &Event{
		Event:     event,
		JobID:     job.ID,
		AgentAddr: agentAddr,
		Status:    string(job.Status),
		Result:    result,
		Timestamp: time.Now(),
	})
}

var _ jobs.Notifier = (*JobNotifier)(nil)

// CashoutNotifier adapts the dispatcher to the staking engine's cashout
// hook under the same fire-and-forget contract.
type CashoutNotifier struct {
	dispatcher *Dispatcher
}

// NewCashoutNotifier creates a cashout notifier backed by the dispatcher.
func NewCashoutNotifier(d *Dispatcher) *CashoutNotifier {
	return &CashoutNotifier{dispatcher: d}
}

// NotifyCashout implements staking.Notifier.
func (n *CashoutNotifier) NotifyCashout(ev *staking.CashoutEvent) {
	if n == nil || n.dispatcher == nil {
		return
	}
	n.dispatcher.Dispatch(context.Background(), &Event{
		Event:     EventCashout,
		AgentAddr: ev.AgentAddr,
		Status:    ev.Outcome,
		Result: map[string]interface{}{
			"cashoutId": ev.ID,
			"payout":    ev.Payout,
			"houseFee":  ev.HouseFee,
			"poolAfter": ev.PoolAfter,
		},
		Timestamp: time.Now(),
	})
}

var _ staking.Notifier = (*CashoutNotifier)(nil)
