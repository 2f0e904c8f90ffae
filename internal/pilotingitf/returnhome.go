package pilotingitf

import (
	"time"

	"skylink/internal/component"
	"skylink/internal/setting"
)

// Reason explains why a return home is running or last stopped.
type Reason string

const (
	ReasonNone            Reason = "none"
	ReasonUserRequested   Reason = "user_requested"
	ReasonConnectionLost  Reason = "connection_lost"
	ReasonPowerLow        Reason = "power_low"
	ReasonBatteryCritical Reason = "battery_critical"
	ReasonFinished        Reason = "finished"
	ReasonExited          Reason = "exited"
	ReasonFlightplan      Reason = "flightplan"
	ReasonIcing           Reason = "icing"
)

// Target is the location a return home heads to.
type Target string

const (
	TargetTakeOffPosition    Target = "take_off_position"
	TargetControllerPosition Target = "controller_position"
	TargetCustomLocation     Target = "custom_location"
	TargetNone               Target = "none"
)

// Reachability estimates whether home can still be reached.
type Reachability string

const (
	ReachabilityUnknown      Reachability = "unknown"
	ReachabilityReachable    Reachability = "reachable"
	ReachabilityWarning      Reachability = "warning"
	ReachabilityCritical     Reachability = "critical"
	ReachabilityNotReachable Reachability = "not_reachable"
)

// EndingBehavior is what the drone does once home is reached.
type EndingBehavior string

const (
	EndingHovering EndingBehavior = "hovering"
	EndingLanding  EndingBehavior = "landing"
)

// Location is a geographic position.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ReturnHomeBackend sends return home commands to the device.
type ReturnHomeBackend interface {
	ActivableBackend
	CancelAutoTrigger() bool
	SetCustomLocation(lat, lon, alt float64) bool
	SetAutoTrigger(enabled bool) bool
	SetPreferredTarget(t Target) bool
	SetEndingBehavior(b EndingBehavior) bool
	SetAutoStartOnDisconnectDelay(seconds int) bool
	SetEndingHoveringAltitude(alt float64) bool
	SetMinAltitude(alt float64) bool
}

// noAutoTrigger marks the absence of a planned automatic return.
const noAutoTrigger time.Duration = -1

type returnHomeFields struct {
	reason            Reason
	currentTarget     Target
	gpsFixedOnTakeOff bool
	reachability      Reachability
	homeLocation      *Location
	customLocation    *Location
	autoTriggerDelay  time.Duration
}

// ReturnHomeDesc is the descriptor of the return home interface.
var ReturnHomeDesc = component.NewDescriptor[*ReturnHome](component.PilotingItf, "return_home")

// ReturnHome brings the drone back to a home location, on demand or
// automatically.
type ReturnHome struct {
	Itf[returnHomeFields]
	backend ReturnHomeBackend

	autoTrigger                *setting.Setting[bool]
	preferredTarget            *setting.Setting[Target]
	endingBehavior             *setting.Setting[EndingBehavior]
	autoStartOnDisconnectDelay *setting.Ranged[int]
	endingHoveringAltitude     *setting.Ranged[float64]
	minAltitude                *setting.Ranged[float64]
}

// NewReturnHome creates an unpublished return home interface in store.
func NewReturnHome(store *component.Store, env setting.Env, backend ReturnHomeBackend) *ReturnHome {
	r := &ReturnHome{backend: backend}
	r.setup(store, ReturnHomeDesc.Key(), r, backend, returnHomeFields{
		reason:           ReasonNone,
		currentTarget:    TargetTakeOffPosition,
		reachability:     ReachabilityUnknown,
		autoTriggerDelay: noAutoTrigger,
	})
	notify := r.NotifyUpdated
	r.autoTrigger = setting.New(env, "return_home.auto_trigger", true, backend.SetAutoTrigger, notify)
	r.preferredTarget = setting.New(env, "return_home.preferred_target", TargetTakeOffPosition, backend.SetPreferredTarget, notify)
	r.endingBehavior = setting.New(env, "return_home.ending_behavior", EndingHovering, backend.SetEndingBehavior, notify)
	r.autoStartOnDisconnectDelay = setting.NewRanged(env, "return_home.auto_start_on_disconnect_delay", 0,
		setting.Bounds[int]{Min: 0, Max: 120}, backend.SetAutoStartOnDisconnectDelay, notify)
	r.endingHoveringAltitude = setting.NewRanged(env, "return_home.ending_hovering_altitude", 10,
		setting.Bounds[float64]{Min: 1, Max: 50}, backend.SetEndingHoveringAltitude, notify)
	r.minAltitude = setting.NewRanged(env, "return_home.min_altitude", 20,
		setting.Bounds[float64]{Min: 20, Max: 100}, backend.SetMinAltitude, notify)
	r.beforeUnpublish = r.cancelRollbacks
	return r
}

func (r *ReturnHome) cancelRollbacks() {
	r.autoTrigger.CancelRollback()
	r.preferredTarget.CancelRollback()
	r.endingBehavior.CancelRollback()
	r.autoStartOnDisconnectDelay.CancelRollback()
	r.endingHoveringAltitude.CancelRollback()
	r.minAltitude.CancelRollback()
}

func (r *ReturnHome) Reason() Reason             { return r.get().reason }
func (r *ReturnHome) CurrentTarget() Target      { return r.get().currentTarget }
func (r *ReturnHome) GPSWasFixedOnTakeOff() bool { return r.get().gpsFixedOnTakeOff }
func (r *ReturnHome) Reachability() Reachability { return r.get().reachability }

// HomeLocation returns the recorded home, or nil when none is known.
func (r *ReturnHome) HomeLocation() *Location {
	if l := r.get().homeLocation; l != nil {
		c := *l
		return &c
	}
	return nil
}

// CustomLocation returns the custom return location, or nil.
func (r *ReturnHome) CustomLocation() *Location {
	if l := r.get().customLocation; l != nil {
		c := *l
		return &c
	}
	return nil
}

// AutoTriggerDelay returns the delay before an automatic return home
// starts, or 0 when none is planned.
func (r *ReturnHome) AutoTriggerDelay() time.Duration {
	return max(r.get().autoTriggerDelay, 0)
}

// AutoTriggerPlanned reports whether an automatic return home is planned.
func (r *ReturnHome) AutoTriggerPlanned() bool {
	return r.get().autoTriggerDelay != noAutoTrigger
}

func (r *ReturnHome) AutoTrigger() *setting.Setting[bool]              { return r.autoTrigger }
func (r *ReturnHome) PreferredTarget() *setting.Setting[Target]        { return r.preferredTarget }
func (r *ReturnHome) EndingBehavior() *setting.Setting[EndingBehavior] { return r.endingBehavior }
func (r *ReturnHome) AutoStartOnDisconnectDelay() *setting.Ranged[int] { return r.autoStartOnDisconnectDelay }
func (r *ReturnHome) EndingHoveringAltitude() *setting.Ranged[float64] { return r.endingHoveringAltitude }
func (r *ReturnHome) MinAltitude() *setting.Ranged[float64]            { return r.minAltitude }

// CancelAutoTrigger cancels a planned automatic return home. It is only
// sent while reachability is WARNING, the only state in which the device
// honours it.
func (r *ReturnHome) CancelAutoTrigger() bool {
	if r.Reachability() != ReachabilityWarning {
		return false
	}
	return r.backend.CancelAutoTrigger()
}

// SetCustomLocation sets the custom return location. It is dropped unless
// the device confirmed CUSTOM_LOCATION as the preferred target.
func (r *ReturnHome) SetCustomLocation(lat, lon, alt float64) bool {
	if r.preferredTarget.Confirmed() != TargetCustomLocation {
		return false
	}
	return r.backend.SetCustomLocation(lat, lon, alt)
}

// ReturnHomeUpdate stages device feedback for a ReturnHome.
type ReturnHomeUpdate struct {
	u *Update[returnHomeFields]
}

// Update starts a transaction.
func (r *ReturnHome) Update() *ReturnHomeUpdate {
	return &ReturnHomeUpdate{u: r.begin()}
}

func (t *ReturnHomeUpdate) State(s State) *ReturnHomeUpdate {
	t.u.SetState(s)
	return t
}

func (t *ReturnHomeUpdate) Reason(v Reason) *ReturnHomeUpdate {
	t.u.edit(func(f *returnHomeFields) bool { return component.Assign(&f.reason, v) })
	return t
}

func (t *ReturnHomeUpdate) CurrentTarget(v Target, gpsFixedOnTakeOff bool) *ReturnHomeUpdate {
	t.u.edit(func(f *returnHomeFields) bool {
		a := component.Assign(&f.currentTarget, v)
		b := component.Assign(&f.gpsFixedOnTakeOff, gpsFixedOnTakeOff)
		return a || b
	})
	return t
}

func (t *ReturnHomeUpdate) Reachability(v Reachability) *ReturnHomeUpdate {
	t.u.edit(func(f *returnHomeFields) bool { return component.Assign(&f.reachability, v) })
	return t
}

// HomeLocation stages the home location; nil clears it.
func (t *ReturnHomeUpdate) HomeLocation(l *Location) *ReturnHomeUpdate {
	t.u.edit(func(f *returnHomeFields) bool { return assignLocation(&f.homeLocation, l) })
	return t
}

// CustomLocation stages the custom location; nil clears it.
func (t *ReturnHomeUpdate) CustomLocation(l *Location) *ReturnHomeUpdate {
	t.u.edit(func(f *returnHomeFields) bool { return assignLocation(&f.customLocation, l) })
	return t
}

// AutoTriggerDelay stages the planned auto trigger delay. A negative delay
// means none is planned.
func (t *ReturnHomeUpdate) AutoTriggerDelay(d time.Duration) *ReturnHomeUpdate {
	if d < 0 {
		d = noAutoTrigger
	}
	t.u.edit(func(f *returnHomeFields) bool { return component.Assign(&f.autoTriggerDelay, d) })
	return t
}

// Commit applies the staged changes with a single notification.
func (t *ReturnHomeUpdate) Commit() bool {
	return t.u.commit()
}

func assignLocation(dst **Location, l *Location) bool {
	switch {
	case *dst == nil && l == nil:
		return false
	case *dst != nil && l != nil && **dst == *l:
		return false
	}
	if l != nil {
		c := *l
		l = &c
	}
	*dst = l
	return true
}
