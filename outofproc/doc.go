// Package outofproc opens PowerShell runspace pools over the OutOfProcess
// transport and exposes them as session.Session values.
//
// The transport is used by:
//   - a local pwsh child started with -s (server mode)
//   - the sshd powershell subsystem (ssh host -s powershell)
//   - pwsh running inside a container (docker exec -i id pwsh -s)
//
// # Protocol Overview
//
// Each packet is a single line of XML. PSRP fragments travel base64 encoded
// inside Data elements:
//
//	<Data Stream='Default' PSGuid='guid'>base64</Data>     - Fragment data
//	<DataAck PSGuid='guid' />                              - Data acknowledgment
//	<Close PSGuid='guid' />                                - Close request
//	<CloseAck PSGuid='guid' />                             - Close acknowledgment
//
// Opening a pool sends SESSION_CAPABILITY and INIT_RUNSPACEPOOL. The session
// reports Opened when the server answers with a RUNSPACEPOOL_STATE of Opened,
// and Broken when the server reports Broken, its output ends, a packet cannot
// be decoded or the open timeout elapses. Nothing beyond the opening
// handshake is spoken.
//
// # Usage
//
//	factory := outofproc.NewFactory(
//		outofproc.WithOpenTimeout(30*time.Second),
//		outofproc.WithLogger(logger),
//	)
//	orch, err := fanout.New(factory, session.NewRepository())
//
// Descriptors for WSMan and VM id targets are rejected by NewSession with
// connection.ErrUnsupportedKind.
package outofproc
