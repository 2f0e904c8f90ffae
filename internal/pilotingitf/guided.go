package pilotingitf

import "skylink/internal/component"

// Orientation tells how the drone heads during a move to a location.
type Orientation interface {
	orientation()
}

// OrientationNone keeps the current heading.
type OrientationNone struct{}

// OrientationToTarget faces the target location.
type OrientationToTarget struct{}

// OrientationStart turns to Heading before moving.
type OrientationStart struct {
	Heading float64 `json:"heading"`
}

// OrientationDuring turns to Heading while moving.
type OrientationDuring struct {
	Heading float64 `json:"heading"`
}

func (OrientationNone) orientation()     {}
func (OrientationToTarget) orientation() {}
func (OrientationStart) orientation()    {}
func (OrientationDuring) orientation()   {}

// Directive is a guided flight request.
type Directive interface {
	directive()
}

// LocationDirective moves the drone to a geographic location.
type LocationDirective struct {
	Latitude    float64
	Longitude   float64
	Altitude    float64
	Orientation Orientation
}

// RelativeDirective moves the drone relative to its position and heading,
// in meters and degrees.
type RelativeDirective struct {
	Forward float64
	Right   float64
	Down    float64
	Heading float64
}

func (LocationDirective) directive() {}
func (RelativeDirective) directive() {}

// FinishedFlightInfo is the outcome of the last guided flight.
type FinishedFlightInfo interface {
	Succeeded() bool
}

// FinishedLocationFlight reports the end of a move to a location.
type FinishedLocationFlight struct {
	Directive LocationDirective
	Success   bool
}

// FinishedRelativeFlight reports the end of a relative move together with
// the displacement actually achieved.
type FinishedRelativeFlight struct {
	Directive     RelativeDirective
	Success       bool
	ActualForward float64
	ActualRight   float64
	ActualDown    float64
	ActualHeading float64
}

func (f FinishedLocationFlight) Succeeded() bool { return f.Success }
func (f FinishedRelativeFlight) Succeeded() bool { return f.Success }

// GuidedBackend sends guided flight requests to the device.
type GuidedBackend interface {
	ActivableBackend
	MoveToLocation(d LocationDirective) bool
	MoveToRelativePosition(d RelativeDirective) bool
}

type guidedFields struct {
	current  Directive
	finished FinishedFlightInfo
}

// GuidedDesc is the descriptor of the guided interface.
var GuidedDesc = component.NewDescriptor[*Guided](component.PilotingItf, "guided")

// Guided flies the drone to locations or by relative moves.
type Guided struct {
	Itf[guidedFields]
	backend GuidedBackend
}

// NewGuided creates an unpublished guided interface in store.
func NewGuided(store *component.Store, backend GuidedBackend) *Guided {
	g := &Guided{backend: backend}
	g.setup(store, GuidedDesc.Key(), g, backend, guidedFields{})
	return g
}

// CurrentDirective returns the directive being executed, or nil.
func (g *Guided) CurrentDirective() Directive {
	return g.get().current
}

// LatestFinishedFlightInfo returns the outcome of the last guided flight,
// or nil if none finished yet.
func (g *Guided) LatestFinishedFlightInfo() FinishedFlightInfo {
	return g.get().finished
}

// MoveToLocation forwards the request as is; range checks are up to the
// device.
func (g *Guided) MoveToLocation(lat, lon, alt float64, o Orientation) bool {
	if o == nil {
		o = OrientationNone{}
	}
	return g.backend.MoveToLocation(LocationDirective{Latitude: lat, Longitude: lon, Altitude: alt, Orientation: o})
}

// MoveToRelativePosition forwards a relative move.
func (g *Guided) MoveToRelativePosition(forward, right, down, heading float64) bool {
	return g.backend.MoveToRelativePosition(RelativeDirective{Forward: forward, Right: right, Down: down, Heading: heading})
}

// GuidedUpdate stages device feedback for a Guided.
type GuidedUpdate struct {
	u *Update[guidedFields]
}

// Update starts a transaction.
func (g *Guided) Update() *GuidedUpdate {
	return &GuidedUpdate{u: g.begin()}
}

func (t *GuidedUpdate) State(s State) *GuidedUpdate {
	t.u.SetState(s)
	return t
}

// CurrentDirective stages the directive in progress; nil means no guided
// flight is running.
func (t *GuidedUpdate) CurrentDirective(d Directive) *GuidedUpdate {
	t.u.edit(func(f *guidedFields) bool {
		if f.current == d {
			return false
		}
		f.current = d
		return true
	})
	return t
}

// FinishedFlight stages the outcome of a guided flight. It stays until the
// next one finishes.
func (t *GuidedUpdate) FinishedFlight(info FinishedFlightInfo) *GuidedUpdate {
	t.u.edit(func(f *guidedFields) bool {
		if f.finished == info {
			return false
		}
		f.finished = info
		return true
	})
	return t
}

func (t *GuidedUpdate) Commit() bool {
	return t.u.commit()
}
