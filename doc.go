// Package psfanout opens PowerShell remote sessions to many targets at once
// under a concurrency limit and streams the results back as they arrive.
//
// # Architecture
//
// The module is organized into layers:
//
//   - throttle: runs asynchronous operations with at most N started at once
//   - stream: a multi-writer, single-reader result queue with explicit completion
//   - connection: turns target requests into validated connection descriptors
//   - session: the remote session contract, session handles and the repository
//   - fanout: the open operation state machine and the orchestrator
//   - outofproc: sessions over the OutOfProcess transport (pwsh, ssh, docker)
//   - config: YAML batch files
//
// # Basic Usage
//
//	factory := outofproc.NewFactory(outofproc.WithOpenTimeout(30 * time.Second))
//	repo := session.NewRepository()
//	orch, err := fanout.New(factory, repo, fanout.WithThrottleLimit(8))
//	if err != nil {
//	    return err
//	}
//
//	reqs := []connection.Request{
//	    {Target: "web01", Kind: connection.KindSSH},
//	    {Target: "web02", Kind: connection.KindSSH},
//	}
//	err = orch.Run(ctx, reqs, func(out fanout.Outcome) {
//	    fmt.Println(out)
//	})
//
// Opened sessions stay registered in repo after Run returns; the caller
// closes them.
package psfanout
