// Package policy defines the pluggable hook spec.md §9 open question 3
// leaves unspecified: whether a claim just stepped into during a walk
// should be handed off to a different envoy (the traffic-driven
// migration the original called claim_update_territory_move).
//
// internal/walk consults a Policy after each successful local step; the
// default, NoMigration, never recommends a move, so an envoy with no
// policy configured behaves exactly as if the hook did not exist.
package policy

import (
	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// Migration is a walk engine's decision to hand a subtree to a
// different envoy before continuing the walk that triggered it (spec
// §4.6 "Migration hint"). Claim must be Lease's root claim and Lease
// must already be exclusive-locked by the worker passed to Consult --
// the same precondition claim.Table.Grant documents for its own
// caller, since the walk engine passes Migration straight through to
// Grant.
type Migration struct {
	Lease *claim.Lease
	Claim *claim.Claim
	// Dest is the envoy that should receive the subtree.
	Dest wire.Address
}

// Policy decides, after a walk engine resolves a name locally, whether
// the claim it landed on should move to a different envoy. Consult is
// called with the worker's biglock held and c already reserved by the
// caller; it must not block on I/O itself, only decide. Returning a
// nil *Migration means no move is recommended.
type Policy interface {
	Consult(w *worker.Worker, l *claim.Lease, c *claim.Claim, user string) *Migration
}

// NoMigration never recommends a move. It is the default policy for an
// envoy that has not been configured with traffic-driven migration
// (spec §9 open question 3: "specify a pluggable policy interface and
// an initial no-op policy").
type NoMigration struct{}

func (NoMigration) Consult(*worker.Worker, *claim.Lease, *claim.Claim, string) *Migration {
	return nil
}

var _ Policy = NoMigration{}
