package session

import (
	"cmp"
	"time"

	"skylink/internal/component"
	"skylink/internal/device"
	"skylink/internal/link"
	"skylink/internal/pilotingitf"
	"skylink/internal/setting"
)

// DeviceSnapshot is a serializable view of a device.
type DeviceSnapshot struct {
	device.Info
	State      device.State        `json:"state"`
	Components []ComponentSnapshot `json:"components"`
}

// ComponentSnapshot is a serializable view of a published component.
type ComponentSnapshot struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	State any    `json:"state"`
}

// SettingView is the client view of a setting.
type SettingView[V comparable] struct {
	Value    V    `json:"value"`
	Updating bool `json:"updating"`
}

// RangedView is the client view of a bounded setting.
type RangedView[V cmp.Ordered] struct {
	Min      V    `json:"min"`
	Max      V    `json:"max"`
	Value    V    `json:"value"`
	Updating bool `json:"updating"`
}

func viewOf[V comparable](s *setting.Setting[V]) SettingView[V] {
	return SettingView[V]{Value: s.Value(), Updating: s.Updating()}
}

func rangedViewOf[V cmp.Ordered](r *setting.Ranged[V]) RangedView[V] {
	b := r.Bounds()
	return RangedView[V]{Min: b.Min, Max: b.Max, Value: r.Value(), Updating: r.Updating()}
}

// ReturnHomeView is the state of a return home interface.
type ReturnHomeView struct {
	State                      pilotingitf.State                       `json:"state"`
	Reason                     pilotingitf.Reason                      `json:"reason"`
	CurrentTarget              pilotingitf.Target                      `json:"current_target"`
	GPSFixedOnTakeOff          bool                                    `json:"gps_fixed_on_take_off"`
	Reachability               pilotingitf.Reachability                `json:"reachability"`
	HomeLocation               *pilotingitf.Location                   `json:"home_location,omitempty"`
	CustomLocation             *pilotingitf.Location                   `json:"custom_location,omitempty"`
	AutoTriggerPlanned         bool                                    `json:"auto_trigger_planned"`
	AutoTriggerDelay           float64                                 `json:"auto_trigger_delay"`
	AutoTrigger                SettingView[bool]                       `json:"auto_trigger"`
	PreferredTarget            SettingView[pilotingitf.Target]         `json:"preferred_target"`
	EndingBehavior             SettingView[pilotingitf.EndingBehavior] `json:"ending_behavior"`
	AutoStartOnDisconnectDelay RangedView[int]                         `json:"auto_start_on_disconnect_delay"`
	EndingHoveringAltitude     RangedView[float64]                     `json:"ending_hovering_altitude"`
	MinAltitude                RangedView[float64]                     `json:"min_altitude"`
}

// GuidedView is the state of a guided interface.
type GuidedView struct {
	State            pilotingitf.State     `json:"state"`
	CurrentDirective *link.GuidedDirective `json:"current_directive,omitempty"`
	LatestFinished   *FinishedView         `json:"latest_finished,omitempty"`
}

// FinishedView describes the last finished guided flight.
type FinishedView struct {
	Directive *link.GuidedDirective `json:"directive"`
	Success   bool                  `json:"success"`
}

// ManualCopterView is the state of a manual copter interface.
type ManualCopterView struct {
	State               pilotingitf.State       `json:"state"`
	CanTakeOff          bool                    `json:"can_take_off"`
	CanLand             bool                    `json:"can_land"`
	WillThrownTakeOff   bool                    `json:"will_thrown_take_off"`
	SmartAction         pilotingitf.SmartAction `json:"smart_action"`
	MaxPitchRoll        RangedView[float64]     `json:"max_pitch_roll"`
	MaxVerticalSpeed    RangedView[float64]     `json:"max_vertical_speed"`
	MaxYawRotationSpeed RangedView[float64]     `json:"max_yaw_rotation_speed"`
	BankedTurnMode      SettingView[bool]       `json:"banked_turn_mode"`
}

// TrackingView is the state of a follow me or look at interface.
type TrackingView struct {
	State              pilotingitf.State                    `json:"state"`
	AvailabilityIssues pilotingitf.IssueSet                 `json:"availability_issues"`
	QualityIssues      pilotingitf.IssueSet                 `json:"quality_issues"`
	Mode               *SettingView[pilotingitf.FollowMode] `json:"mode,omitempty"`
	Behavior           pilotingitf.FollowBehavior           `json:"behavior,omitempty"`
}

// SnapshotOf builds the view of dev. It is safe to call from any goroutine.
func SnapshotOf(dev *device.Device) DeviceSnapshot {
	snap := DeviceSnapshot{Info: dev.Info(), State: dev.State(), Components: []ComponentSnapshot{}}
	for _, st := range []*component.Store{dev.Instruments(), dev.Peripherals(), dev.PilotingItfs()} {
		for _, comp := range st.Published() {
			key := comp.Key()
			snap.Components = append(snap.Components, ComponentSnapshot{
				Kind:  key.Kind.String(),
				Name:  key.Name,
				State: componentState(comp),
			})
		}
	}
	return snap
}

func componentState(comp component.Component) any {
	switch c := comp.(type) {
	case *pilotingitf.ReturnHome:
		return ReturnHomeView{
			State:                      c.State(),
			Reason:                     c.Reason(),
			CurrentTarget:              c.CurrentTarget(),
			GPSFixedOnTakeOff:          c.GPSWasFixedOnTakeOff(),
			Reachability:               c.Reachability(),
			HomeLocation:               c.HomeLocation(),
			CustomLocation:             c.CustomLocation(),
			AutoTriggerPlanned:         c.AutoTriggerPlanned(),
			AutoTriggerDelay:           c.AutoTriggerDelay().Round(time.Millisecond).Seconds(),
			AutoTrigger:                viewOf(c.AutoTrigger()),
			PreferredTarget:            viewOf(c.PreferredTarget()),
			EndingBehavior:             viewOf(c.EndingBehavior()),
			AutoStartOnDisconnectDelay: rangedViewOf(c.AutoStartOnDisconnectDelay()),
			EndingHoveringAltitude:     rangedViewOf(c.EndingHoveringAltitude()),
			MinAltitude:                rangedViewOf(c.MinAltitude()),
		}
	case *pilotingitf.Guided:
		v := GuidedView{State: c.State(), CurrentDirective: DirectiveToWire(c.CurrentDirective())}
		switch f := c.LatestFinishedFlightInfo().(type) {
		case pilotingitf.FinishedLocationFlight:
			v.LatestFinished = &FinishedView{Directive: DirectiveToWire(f.Directive), Success: f.Success}
		case pilotingitf.FinishedRelativeFlight:
			v.LatestFinished = &FinishedView{Directive: DirectiveToWire(f.Directive), Success: f.Success}
		}
		return v
	case *pilotingitf.ManualCopter:
		return ManualCopterView{
			State:               c.State(),
			CanTakeOff:          c.CanTakeOff(),
			CanLand:             c.CanLand(),
			WillThrownTakeOff:   c.WillThrownTakeOff(),
			SmartAction:         c.SmartAction(),
			MaxPitchRoll:        rangedViewOf(c.MaxPitchRoll()),
			MaxVerticalSpeed:    rangedViewOf(c.MaxVerticalSpeed()),
			MaxYawRotationSpeed: rangedViewOf(c.MaxYawRotationSpeed()),
			BankedTurnMode:      viewOf(c.BankedTurnMode()),
		}
	case *pilotingitf.FollowMe:
		mode := viewOf(c.Mode())
		return TrackingView{
			State:              c.State(),
			AvailabilityIssues: c.AvailabilityIssues(),
			QualityIssues:      c.QualityIssues(),
			Mode:               &mode,
			Behavior:           c.Behavior(),
		}
	case *pilotingitf.LookAt:
		return TrackingView{
			State:              c.State(),
			AvailabilityIssues: c.AvailabilityIssues(),
			QualityIssues:      c.QualityIssues(),
		}
	}
	return nil
}
