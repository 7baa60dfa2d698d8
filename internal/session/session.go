// Package session mirrors per-connection state into Redis: the bound
// identity and current room of every live connection. The mirror is for ops
// visibility and external tooling only; the in-process presence registry
// remains the source of truth and is rebuilt from scratch after a restart.
package session
