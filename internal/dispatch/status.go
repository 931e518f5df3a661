package dispatch

// Status is the externally visible snapshot of the dispatcher: the current
// state name, which studio (if any) is on air, and the current X/Y role
// bindings. Mirrors the original web surface's status payload, which stays
// out of scope here (spec.md §1) but still needs a stable shape to hand to
// observers.
type Status struct {
	State      string
	OnAirStudio string
	X          string
	Y          string
}
