// Package throttle bounds how many asynchronous operations run at once.
//
// # Overview
//
// A Manager admits submitted operations up to a fixed limit and queues the
// rest. Each time a running operation completes, the manager starts the next
// queued one, so the running set is refilled up to the limit until the queue
// is exhausted. Once submission has ended and every operation has completed,
// the manager fires a one-shot all-complete notification.
//
// # Operation Contract
//
// An Operation starts asynchronous work in Start and reports its single
// terminal outcome by closing its Done channel. The Signal type provides the
// single-assignment completion slot most implementations embed:
//
//	Idle ──Start──→ running ──(finished)──→ Done closed (StartComplete)
//	  │                │
//	  │                └──Stop──→ stopping ──→ Done closed (StopComplete)
//	  │
//	  └──Stop──→ Done closed (StopComplete, never started)
//
// Stop after completion is a no-op and Start after Stop is a no-op, so the
// manager can race Stop against a natural completion without ever counting an
// operation twice.
//
// # Message Passing
//
// Completions travel to the manager as events on a channel drained by a single
// event loop goroutine. Bookkeeping (running count, pending queue) is guarded
// by the manager's mutex and never held across an operation's Start or Stop.
// The OnComplete hook runs on the event loop; a panic inside it is recovered
// and logged so admission continues.
//
// # Usage
//
//	m, err := throttle.New(2, throttle.WithOnComplete(func(c throttle.Completion) {
//	    log.Printf("%v finished: %s", c.Operation, c.Kind)
//	}))
//	if err != nil {
//	    return err
//	}
//	_ = m.Submit(ops...)
//	m.EndSubmit()
//	<-m.Done()
package throttle
