// Package registry defines the client registry of the relay hub: the mapping from a
// self-declared identity to the live connection that currently owns it.
//
// The package provides:
//   - Conn: the hub's view of one client connection
//   - Registry: identity to connection mapping with compare-and-delete release
//   - DuplicatePolicy: what happens when a second connection claims a taken identity
//
// At most one live connection is registered per identity. A connection that lost its
// identity to a newer one must not remove the newer entry when it tears down, so
// connection tasks release their entry with Release(identity, conn) instead of
// Unregister(identity).
//
// Example usage:
//
//	evicted, err := reg.Register("camera-1", conn)
//	if err != nil {
//		return err // ErrDuplicateIdentity under PolicyReject
//	}
//	defer reg.Release("camera-1", conn)
//
//	if target, ok := reg.Lookup("viewer"); ok {
//		_ = target.Send(raw)
//	}
package registry
