// Package sshclient is the session provider the pool builds on: a thin
// layer over golang.org/x/crypto/ssh shaped as "prepare, then connect".
//
// A [Context] carries known_hosts and identities. [Context.NewSession]
// returns an unconnected [Session] for user@host:port that takes a
// password and options (StrictHostKeyChecking) before [Session.Connect].
//
// Host key policy:
//   - StrictHostKeyChecking=no accepts any key (the fingerprint is still
//     recorded and logged);
//   - otherwise the loaded known_hosts file decides;
//   - with no known_hosts file every host is rejected.
//
// [Session.IsConnected] is cleared by a watcher goroutine the moment the
// transport ends, including when the peer drops the connection.
// [Session.Disconnect] is idempotent.
package sshclient
