// Package room implements the core of the chat server: the presence registry
// mapping connections to identities and room membership, the ephemeral typing
// tracker, and the dispatcher that routes room events and fans them out to
// every member connection.
package room

// Identity is the display/author entity bound to a connection after join.
// Display names are not required to be unique; two connections may share one.
type Identity struct {
	Name      string // display name, 1-50 chars after trimming
	AccountID string // persistent account ID when backed by an account store
	Guest     bool
}

// OwnerKey returns the key used for message ownership checks: the persistent
// account ID when one exists, otherwise the connection ID. Guest ownership is
// therefore scoped to the connection's lifetime.
func (id Identity) OwnerKey(connID string) string {
	if id.AccountID != "" {
		return id.AccountID
	}
	return connID
}
