package veil

// DeltaKind tags the three ways a VEIL delta can mutate state.
type DeltaKind string

const (
	DeltaAdd     DeltaKind = "addFacet"
	DeltaRewrite DeltaKind = "rewriteFacet"
	DeltaRemove  DeltaKind = "removeFacet"
)

// Delta is the sole mechanism for state mutation. Exactly one of Facet
// (DeltaAdd), Changes (DeltaRewrite), or neither (DeltaRemove) is populated
// depending on Kind; ID is always the target facet's id.
type Delta struct {
	Kind    DeltaKind
	ID      string
	Facet   *Facet         // DeltaAdd
	Changes map[string]any // DeltaRewrite: shallow overlay onto State; replaces Content/Children wholesale if present
}

// AddFacet builds an addFacet delta.
func AddFacet(f *Facet) Delta {
	return Delta{Kind: DeltaAdd, ID: f.ID, Facet: f}
}

// RewriteFacet builds a rewriteFacet delta.
func RewriteFacet(id string, changes map[string]any) Delta {
	return Delta{Kind: DeltaRewrite, ID: id, Changes: changes}
}

// RemoveFacet builds a removeFacet delta.
func RemoveFacet(id string) Delta {
	return Delta{Kind: DeltaRemove, ID: id}
}

// ChangeKeyState is the reserved Changes key carrying a partial overlay for a
// state facet's State map, distinguishing it from Content/Children replacement.
const (
	ChangeKeyState    = "state"
	ChangeKeyContent  = "content"
	ChangeKeyChildren = "children"
)
