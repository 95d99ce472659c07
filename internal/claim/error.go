package claim

import "errors"

var (
	// errDeleted is returned by Request on a claim marked deleted, i.e.
	// it was unlinked while still referenced.
	errDeleted = errors.New("claim: deleted")
	// ErrNotLocal signals a cross-lease step during lookup: the caller
	// must continue at a different address (spec §4.4 get_child "cross-
	// lease step returns none and signals remote").
	ErrNotLocal = errors.New("claim: not local")
	// ErrNoSuchLease is returned by the table when no lease is rooted at
	// the requested pathname.
	ErrNoSuchLease = errors.New("claim: no such lease")
	// errGrantRejected is returned when a peer's RGrant carries a
	// nonzero error number.
	errGrantRejected = errors.New("claim: grant rejected by peer")
)
