package claim

// Access is a claim's write posture, spec §4.4/§4.7.
type Access uint8

const (
	// ReadOnly claims never become writable; setting ReadOnly is
	// idempotent (spec §4.4 freeze).
	ReadOnly Access = iota
	// CoW claims share their object with a snapshot; a write must thaw
	// them first.
	CoW
	// Writable claims may be written in place.
	Writable
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "read-only"
	case CoW:
		return "cow"
	case Writable:
		return "writable"
	default:
		return "unknown"
	}
}

// ChildAccess implements spec §4.7's access_child(parent, cow_link)
// inheritance rule: a child reached through a CoW-flagged directory
// entry under a writable parent is itself CoW; otherwise it inherits
// the parent's access verbatim.
func ChildAccess(parent Access, cowLink bool) Access {
	if parent == Writable && cowLink {
		return CoW
	}
	return parent
}
