// Package sshpool pools SSH sessions per connection key.
//
// A [Pool] is bound to one [ConnectionKey] and lends out connected
// *sshclient.Session values:
//
//	pool, err := sshpool.New(sshpool.ConnectionKey{
//		Host:       "files.example.com",
//		Username:   "backup",
//		PrivateKey: "/etc/backup/id_ed25519",
//		KnownHosts: "/etc/backup/known_hosts",
//	})
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	s, err := pool.BorrowSession(ctx)
//	if err != nil {
//		return err
//	}
//	defer pool.ReturnSession(s)
//
// Sessions that turn out to be broken go to [Pool.InvalidateSession]
// instead of being returned. Returning a session twice or after Close is
// harmless.
//
// Sessions come from a [SessionFactory]; the default [Factory] loads
// known_hosts and the private key, applies the password and host key
// policy, and connects. Pool construction can run inside a
// [PrivilegedScope].
package sshpool
