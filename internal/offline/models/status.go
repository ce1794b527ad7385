package models

// Status is one of the eight applicator workflow statuses.
type Status string

const (
	StatusScanned   Status = "scanned"
	StatusLoaded    Status = "loaded"
	StatusInserting Status = "inserting"

	// Terminal statuses: no outgoing transitions.
	StatusInserted    Status = "inserted"
	StatusFaulty      Status = "faulty"
	StatusRemoved     Status = "removed"
	StatusDeactivated Status = "deactivated"
	StatusReturned    Status = "returned"
)

// TerminalStatuses is the set of workflow states admitting no further
// transition.
var TerminalStatuses = map[Status]struct{}{
	StatusInserted:    {},
	StatusFaulty:      {},
	StatusRemoved:     {},
	StatusDeactivated: {},
	StatusReturned:    {},
}

// IsTerminal reports whether s admits no further transition.
func (s Status) IsTerminal() bool {
	_, ok := TerminalStatuses[s]
	return ok
}

// IsConsequential reports whether s is one of the two medically
// consequential terminal statuses. Transitions into these are allowed
// offline but always require explicit operator confirmation.
func (s Status) IsConsequential() bool {
	return s == StatusInserted || s == StatusFaulty
}

// Category selects the workflow transition table for a treatment.
type Category string

const (
	// CategorySeedImplant is the 4-stage gated workflow
	// (scanned → loaded → inserting → inserted).
	CategorySeedImplant Category = "seed_implant"
	// CategorySurface is the 2-stage workflow (scanned → inserted).
	CategorySurface Category = "surface"
	// CategoryGeneric is the fallback for unrecognized treatment types.
	CategoryGeneric Category = "generic"
)

// CategoryForTreatmentType maps a treatment type string onto its workflow
// category. Unknown types fall back to the generic table.
func CategoryForTreatmentType(treatmentType string) Category {
	switch treatmentType {
	case string(CategorySeedImplant), "prostate_seed_implant":
		return CategorySeedImplant
	case string(CategorySurface), "surface_applicator":
		return CategorySurface
	default:
		return CategoryGeneric
	}
}
