/*
Package fanout opens remote sessions to many targets concurrently.

An Orchestrator validates each connection.Request, wraps the resulting
session in an open operation and hands it to a throttle.Manager, which keeps
at most the configured number of opens in flight. Every operation ends in
exactly one completion, whether the session opened, broke, or was closed by
Stop. Outcomes are written to a stream.Stream as they happen:

  - OutcomeSession: the session opened and was registered in the repository.
  - OutcomeError: the request was invalid or the session failed to open.
  - OutcomeDiagnostic: a warning (redirect refused) or verbose note (open cancelled).

Outcomes arrive in completion order, not submission order. Outcome.Index
correlates an outcome with its request.

Usage:

	repo := session.NewRepository()
	orch, err := fanout.New(factory, repo, fanout.WithThrottleLimit(8))
	if err != nil {
		return err
	}
	err = orch.Run(ctx, requests, func(out fanout.Outcome) {
		fmt.Println(out)
	})

Cancelling ctx stops queued targets without producing an outcome for them;
opens already in flight are closed and reported before Run returns.
*/
package fanout
