package link

import "log/slog"

// Features reported by devices.
const (
	FeatureDeviceInfo             Feature = "device_info"
	FeatureReturnHomeState        Feature = "return_home.state"
	FeatureReturnHomeTarget       Feature = "return_home.target"
	FeatureReturnHomeReachability Feature = "return_home.reachability"
	FeatureReturnHomeLocation     Feature = "return_home.home"
	FeatureReturnHomeSettings     Feature = "return_home.settings"
	FeatureGuidedState            Feature = "guided.state"
	FeatureGuidedFinished         Feature = "guided.finished"
	FeatureManualState            Feature = "manual.state"
	FeatureManualSettings         Feature = "manual.settings"
	FeatureFollowMeState          Feature = "follow_me.state"
	FeatureLookAtState            Feature = "look_at.state"
)

// Features commands are addressed to.
const (
	TargetReturnHome Feature = "return_home"
	TargetGuided     Feature = "guided"
	TargetManual     Feature = "manual"
	TargetFollowMe   Feature = "follow_me"
	TargetLookAt     Feature = "look_at"
)

// DeviceInfo describes the device once connected.
type DeviceInfo struct {
	Name            string  `json:"name"`
	FirmwareVersion string  `json:"firmware_version"`
	BoardID         *string `json:"board_id"`
}

// ActivationState carries the activation state of a piloting interface.
type ActivationState struct {
	State string `json:"state"`
}

// ReturnHomeState reports the return home activation and its reason.
type ReturnHomeState struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// ReturnHomeTarget reports where a return home would head.
type ReturnHomeTarget struct {
	Target            string `json:"target"`
	GPSFixedOnTakeOff bool   `json:"gps_fixed_on_take_off"`
}

// ReturnHomeReachability reports home reachability. AutoTriggerDelay is
// the number of seconds before an automatic return, absent if none.
type ReturnHomeReachability struct {
	Reachability     string   `json:"reachability"`
	AutoTriggerDelay *float64 `json:"auto_trigger_delay"`
}

// Position is a geographic position on the wire.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	// Timestamp is in Unix milliseconds, 0 when unknown.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ReturnHomeLocation reports the home and custom locations; nil fields are
// unknown.
type ReturnHomeLocation struct {
	Home   *Position `json:"home"`
	Custom *Position `json:"custom"`
}

// RangedFloat is a bounded numeric setting on the wire.
type RangedFloat struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Value float64 `json:"value"`
}

// RangedInt is a bounded integer setting on the wire.
type RangedInt struct {
	Min   int `json:"min"`
	Max   int `json:"max"`
	Value int `json:"value"`
}

// ReturnHomeSettings reports return home settings. Only present fields
// are applied.
type ReturnHomeSettings struct {
	AutoTrigger                *bool        `json:"auto_trigger"`
	PreferredTarget            *string      `json:"preferred_target"`
	EndingBehavior             *string      `json:"ending_behavior"`
	AutoStartOnDisconnectDelay *RangedInt   `json:"auto_start_on_disconnect_delay"`
	EndingHoveringAltitude     *RangedFloat `json:"ending_hovering_altitude"`
	MinAltitude                *RangedFloat `json:"min_altitude"`
}

// GuidedDirective is a directive on the wire. Type is "location" or
// "relative".
type GuidedDirective struct {
	Type string `json:"type"`

	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Altitude    float64 `json:"altitude,omitempty"`
	Orientation string  `json:"orientation,omitempty"`
	Heading     float64 `json:"heading,omitempty"`

	Forward float64 `json:"forward,omitempty"`
	Right   float64 `json:"right,omitempty"`
	Down    float64 `json:"down,omitempty"`
}

// GuidedState reports the guided activation and the running directive.
type GuidedState struct {
	State     string           `json:"state"`
	Directive *GuidedDirective `json:"directive"`
}

// GuidedFinished reports the end of a guided flight.
type GuidedFinished struct {
	Directive GuidedDirective `json:"directive"`
	Success   bool            `json:"success"`
	// Actual displacement of a relative move.
	Forward float64 `json:"forward"`
	Right   float64 `json:"right"`
	Down    float64 `json:"down"`
	Heading float64 `json:"heading"`
}

// ManualState reports manual piloting availability and flight flags.
type ManualState struct {
	State             string `json:"state"`
	CanTakeOff        bool   `json:"can_take_off"`
	CanLand           bool   `json:"can_land"`
	WillThrownTakeOff bool   `json:"will_thrown_take_off"`
}

// ManualSettings reports manual piloting settings.
type ManualSettings struct {
	MaxPitchRoll        *RangedFloat `json:"max_pitch_roll"`
	MaxVerticalSpeed    *RangedFloat `json:"max_vertical_speed"`
	MaxYawRotationSpeed *RangedFloat `json:"max_yaw_rotation_speed"`
	BankedTurn          *bool        `json:"banked_turn"`
}

// TrackingState reports a tracking interface.
type TrackingState struct {
	State              string   `json:"state"`
	AvailabilityIssues []string `json:"availability_issues"`
	QualityIssues      []string `json:"quality_issues"`
	// Follow me only.
	Mode     *string `json:"mode,omitempty"`
	Behavior string  `json:"behavior,omitempty"`
}

// DefaultRegistry returns a registry knowing every feature above.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(FeatureDeviceInfo, DecodeAs[DeviceInfo]())
	r.Register(FeatureReturnHomeState, DecodeAs[ReturnHomeState]())
	r.Register(FeatureReturnHomeTarget, DecodeAs[ReturnHomeTarget]())
	r.Register(FeatureReturnHomeReachability, DecodeAs[ReturnHomeReachability]())
	r.Register(FeatureReturnHomeLocation, DecodeAs[ReturnHomeLocation]())
	r.Register(FeatureReturnHomeSettings, DecodeAs[ReturnHomeSettings]())
	r.Register(FeatureGuidedState, DecodeAs[GuidedState]())
	r.Register(FeatureGuidedFinished, DecodeAs[GuidedFinished]())
	r.Register(FeatureManualState, DecodeAs[ManualState]())
	r.Register(FeatureManualSettings, DecodeAs[ManualSettings]())
	r.Register(FeatureFollowMeState, DecodeAs[TrackingState]())
	r.Register(FeatureLookAtState, DecodeAs[TrackingState]())
	return r
}
