package workout

// Resolution is the outcome of comparing a local copy with an incoming copy.
type Resolution int

const (
	// KeepLocal means the local copy stays; the incoming copy is stale.
	KeepLocal Resolution = iota
	// TakeIncoming means the incoming copy has a strictly higher revision.
	TakeIncoming
	// TieTakeIncoming means the revisions are equal and the incoming copy
	// wins the tie-break.
	TieTakeIncoming
	// TieKeepLocal means the revisions are equal and the local copy wins
	// the tie-break.
	TieKeepLocal
	// Duplicate means both copies are the same revision with the same content.
	Duplicate
)

// Applies reports whether the incoming copy replaces the local one.
func (r Resolution) Applies() bool {
	return r == TakeIncoming || r == TieTakeIncoming
}

// Resolve applies the last-writer-wins rule shared by every replica.
//
// A nil local copy always yields TakeIncoming. For equal revisions the order
// is: identical content is a Duplicate; a tombstone beats a live record; a
// Primary copy beats a Companion copy; finally the greater canonical
// encoding wins so that every replica picks the same copy.
func Resolve(local *Record, incoming Record) Resolution {
	if local == nil {
		return TakeIncoming
	}
	switch {
	case incoming.Revision > local.Revision:
		return TakeIncoming
	case incoming.Revision < local.Revision:
		return KeepLocal
	}

	if local.SameContent(incoming) {
		return Duplicate
	}
	if incoming.Tombstone != local.Tombstone {
		if incoming.Tombstone {
			return TieTakeIncoming
		}
		return TieKeepLocal
	}
	if incoming.Origin != local.Origin {
		if incoming.Origin == OriginPrimary {
			return TieTakeIncoming
		}
		return TieKeepLocal
	}
	if incoming.canonical() > local.canonical() {
		return TieTakeIncoming
	}
	return TieKeepLocal
}
