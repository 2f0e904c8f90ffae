package session

import (
	"fmt"
	"time"

	"skylink/internal/link"
	"skylink/internal/pilotingitf"
)

// enumSet maps wire strings to a string enum. Unknown strings are errors so
// that a payload carrying one is dropped whole.
type enumSet[E ~string] map[string]E

func enumOf[E ~string](values ...E) enumSet[E] {
	s := make(enumSet[E], len(values))
	for _, v := range values {
		s[string(v)] = v
	}
	return s
}

func (s enumSet[E]) parse(v string) (E, error) {
	e, ok := s[v]
	if !ok {
		return e, fmt.Errorf("unknown %T value %q", e, v)
	}
	return e, nil
}

var (
	itfStates = enumOf(pilotingitf.Unavailable, pilotingitf.Idle, pilotingitf.Active)
	reasons   = enumOf(
		pilotingitf.ReasonNone, pilotingitf.ReasonUserRequested, pilotingitf.ReasonConnectionLost,
		pilotingitf.ReasonPowerLow, pilotingitf.ReasonBatteryCritical, pilotingitf.ReasonFinished,
		pilotingitf.ReasonExited, pilotingitf.ReasonFlightplan, pilotingitf.ReasonIcing,
	)
	targets = enumOf(
		pilotingitf.TargetTakeOffPosition, pilotingitf.TargetControllerPosition,
		pilotingitf.TargetCustomLocation, pilotingitf.TargetNone,
	)
	reachabilities = enumOf(
		pilotingitf.ReachabilityUnknown, pilotingitf.ReachabilityReachable, pilotingitf.ReachabilityWarning,
		pilotingitf.ReachabilityCritical, pilotingitf.ReachabilityNotReachable,
	)
	endingBehaviors = enumOf(pilotingitf.EndingHovering, pilotingitf.EndingLanding)
	issues          = enumOf(
		pilotingitf.IssueDroneGPSInfoInaccurate, pilotingitf.IssueDroneNotCalibrated,
		pilotingitf.IssueDroneNotFlying, pilotingitf.IssueDroneOutOfGeofence,
		pilotingitf.IssueDroneTooCloseToGround, pilotingitf.IssueDroneAboveMaxAltitude,
		pilotingitf.IssueDroneInsufficientBattery, pilotingitf.IssueTargetGPSInfoInaccurate,
		pilotingitf.IssueTargetBarometerInfoInaccurate, pilotingitf.IssueTargetExternalAccessoryMissing,
		pilotingitf.IssueTargetTooFast, pilotingitf.IssueTargetTooClose,
		pilotingitf.IssueTargetImageDetectionInfoMissing, pilotingitf.IssueTargetPositionAccuracyTooLow,
	)
	followModes     = enumOf(pilotingitf.FollowGeographic, pilotingitf.FollowRelative, pilotingitf.FollowLeash)
	followBehaviors = enumOf(pilotingitf.BehaviorInactive, pilotingitf.BehaviorFollowing, pilotingitf.BehaviorStationary)
)

func parseIssues(raw []string) ([]pilotingitf.Issue, error) {
	out := make([]pilotingitf.Issue, 0, len(raw))
	for _, r := range raw {
		i, err := issues.parse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

// ParseTarget parses a return home target name.
func ParseTarget(s string) (pilotingitf.Target, error) { return targets.parse(s) }

// ParseEndingBehavior parses a return home ending behavior name.
func ParseEndingBehavior(s string) (pilotingitf.EndingBehavior, error) {
	return endingBehaviors.parse(s)
}

// ParseFollowMode parses a follow me mode name.
func ParseFollowMode(s string) (pilotingitf.FollowMode, error) { return followModes.parse(s) }

func toLocation(p *link.Position) *pilotingitf.Location {
	if p == nil {
		return nil
	}
	l := &pilotingitf.Location{Latitude: p.Latitude, Longitude: p.Longitude, Altitude: p.Altitude}
	if p.Timestamp > 0 {
		l.Timestamp = time.UnixMilli(p.Timestamp)
	}
	return l
}

// autoTriggerDelay converts the wire delay in seconds. Absent maps to a
// negative duration, which the return home interface reads as none.
func autoTriggerDelay(secs *float64) time.Duration {
	if secs == nil {
		return -1
	}
	return time.Duration(*secs * float64(time.Second))
}

// Orientation names on the wire.
const (
	orientationNone     = "none"
	orientationToTarget = "to_target"
	orientationStart    = "start"
	orientationDuring   = "during"
)

func orientationToWire(o pilotingitf.Orientation) (string, float64) {
	switch o := o.(type) {
	case pilotingitf.OrientationToTarget:
		return orientationToTarget, 0
	case pilotingitf.OrientationStart:
		return orientationStart, o.Heading
	case pilotingitf.OrientationDuring:
		return orientationDuring, o.Heading
	}
	return orientationNone, 0
}

func orientationFromWire(name string, heading float64) (pilotingitf.Orientation, error) {
	switch name {
	case orientationNone, "":
		return pilotingitf.OrientationNone{}, nil
	case orientationToTarget:
		return pilotingitf.OrientationToTarget{}, nil
	case orientationStart:
		return pilotingitf.OrientationStart{Heading: heading}, nil
	case orientationDuring:
		return pilotingitf.OrientationDuring{Heading: heading}, nil
	}
	return nil, fmt.Errorf("unknown orientation %q", name)
}

// ParseOrientation parses an orientation name; heading is used by the
// start and during orientations.
func ParseOrientation(name string, heading float64) (pilotingitf.Orientation, error) {
	return orientationFromWire(name, heading)
}

// DirectiveToWire converts a directive to its wire form; nil stays nil.
func DirectiveToWire(d pilotingitf.Directive) *link.GuidedDirective {
	switch d := d.(type) {
	case pilotingitf.LocationDirective:
		name, heading := orientationToWire(d.Orientation)
		return &link.GuidedDirective{
			Type:        "location",
			Latitude:    d.Latitude,
			Longitude:   d.Longitude,
			Altitude:    d.Altitude,
			Orientation: name,
			Heading:     heading,
		}
	case pilotingitf.RelativeDirective:
		return &link.GuidedDirective{
			Type:    "relative",
			Forward: d.Forward,
			Right:   d.Right,
			Down:    d.Down,
			Heading: d.Heading,
		}
	}
	return nil
}

func directiveFromWire(w *link.GuidedDirective) (pilotingitf.Directive, error) {
	if w == nil {
		return nil, nil
	}
	switch w.Type {
	case "location":
		o, err := orientationFromWire(w.Orientation, w.Heading)
		if err != nil {
			return nil, err
		}
		return pilotingitf.LocationDirective{
			Latitude: w.Latitude, Longitude: w.Longitude, Altitude: w.Altitude, Orientation: o,
		}, nil
	case "relative":
		return pilotingitf.RelativeDirective{
			Forward: w.Forward, Right: w.Right, Down: w.Down, Heading: w.Heading,
		}, nil
	}
	return nil, fmt.Errorf("unknown directive type %q", w.Type)
}

func finishedFromWire(w link.GuidedFinished) (pilotingitf.FinishedFlightInfo, error) {
	d, err := directiveFromWire(&w.Directive)
	if err != nil {
		return nil, err
	}
	switch d := d.(type) {
	case pilotingitf.LocationDirective:
		return pilotingitf.FinishedLocationFlight{Directive: d, Success: w.Success}, nil
	case pilotingitf.RelativeDirective:
		return pilotingitf.FinishedRelativeFlight{
			Directive:     d,
			Success:       w.Success,
			ActualForward: w.Forward,
			ActualRight:   w.Right,
			ActualDown:    w.Down,
			ActualHeading: w.Heading,
		}, nil
	}
	return nil, fmt.Errorf("finished flight without directive")
}
