package session

import (
	"skylink/internal/link"
	"skylink/internal/pilotingitf"
)

// activationBackend sends the activation requests shared by every
// piloting interface.
type activationBackend struct {
	c      *controller
	target link.Feature
}

func (b *activationBackend) Activate() bool   { return b.c.send(b.target, "activate", nil) }
func (b *activationBackend) Deactivate() bool { return b.c.send(b.target, "deactivate", nil) }

type returnHomeBackend struct{ c *controller }

func (b *returnHomeBackend) cmd(name string, args map[string]any) bool {
	return b.c.send(link.TargetReturnHome, name, args)
}

func (b *returnHomeBackend) Activate() bool          { return b.cmd("activate", nil) }
func (b *returnHomeBackend) Deactivate() bool        { return b.cmd("deactivate", nil) }
func (b *returnHomeBackend) CancelAutoTrigger() bool { return b.cmd("cancel_auto_trigger", nil) }

func (b *returnHomeBackend) SetCustomLocation(lat, lon, alt float64) bool {
	return b.cmd("set_custom_location", map[string]any{"latitude": lat, "longitude": lon, "altitude": alt})
}

func (b *returnHomeBackend) SetAutoTrigger(enabled bool) bool {
	return b.cmd("set_auto_trigger", map[string]any{"enabled": enabled})
}

func (b *returnHomeBackend) SetPreferredTarget(t pilotingitf.Target) bool {
	return b.cmd("set_preferred_target", map[string]any{"target": string(t)})
}

func (b *returnHomeBackend) SetEndingBehavior(e pilotingitf.EndingBehavior) bool {
	return b.cmd("set_ending_behavior", map[string]any{"behavior": string(e)})
}

func (b *returnHomeBackend) SetAutoStartOnDisconnectDelay(seconds int) bool {
	return b.cmd("set_auto_start_on_disconnect_delay", map[string]any{"seconds": seconds})
}

func (b *returnHomeBackend) SetEndingHoveringAltitude(alt float64) bool {
	return b.cmd("set_ending_hovering_altitude", map[string]any{"altitude": alt})
}

func (b *returnHomeBackend) SetMinAltitude(alt float64) bool {
	return b.cmd("set_min_altitude", map[string]any{"altitude": alt})
}

type guidedBackend struct{ c *controller }

func (b *guidedBackend) Activate() bool   { return b.c.send(link.TargetGuided, "activate", nil) }
func (b *guidedBackend) Deactivate() bool { return b.c.send(link.TargetGuided, "deactivate", nil) }

func (b *guidedBackend) MoveToLocation(d pilotingitf.LocationDirective) bool {
	w := DirectiveToWire(d)
	return b.c.send(link.TargetGuided, "move_to_location", map[string]any{
		"latitude":    w.Latitude,
		"longitude":   w.Longitude,
		"altitude":    w.Altitude,
		"orientation": w.Orientation,
		"heading":     w.Heading,
	})
}

func (b *guidedBackend) MoveToRelativePosition(d pilotingitf.RelativeDirective) bool {
	return b.c.send(link.TargetGuided, "move_to_relative", map[string]any{
		"forward": d.Forward,
		"right":   d.Right,
		"down":    d.Down,
		"heading": d.Heading,
	})
}

type manualBackend struct{ c *controller }

func (b *manualBackend) cmd(name string, args map[string]any) bool {
	return b.c.send(link.TargetManual, name, args)
}

func (b *manualBackend) Activate() bool        { return b.cmd("activate", nil) }
func (b *manualBackend) Deactivate() bool      { return b.cmd("deactivate", nil) }
func (b *manualBackend) TakeOff() bool         { return b.cmd("take_off", nil) }
func (b *manualBackend) ThrownTakeOff() bool   { return b.cmd("thrown_take_off", nil) }
func (b *manualBackend) Land() bool            { return b.cmd("land", nil) }
func (b *manualBackend) EmergencyCutOut() bool { return b.cmd("emergency_cut_out", nil) }

func (b *manualBackend) SetPilotingCommand(p pilotingitf.PilotingCommand) bool {
	return b.cmd("set_piloting_command", map[string]any{
		"pitch":    p.Pitch,
		"roll":     p.Roll,
		"yaw":      p.Yaw,
		"vertical": p.Vertical,
	})
}

func (b *manualBackend) SetMaxPitchRoll(deg float64) bool {
	return b.cmd("set_max_pitch_roll", map[string]any{"value": deg})
}

func (b *manualBackend) SetMaxVerticalSpeed(mps float64) bool {
	return b.cmd("set_max_vertical_speed", map[string]any{"value": mps})
}

func (b *manualBackend) SetMaxYawRotationSpeed(dps float64) bool {
	return b.cmd("set_max_yaw_rotation_speed", map[string]any{"value": dps})
}

func (b *manualBackend) SetBankedTurnMode(enabled bool) bool {
	return b.cmd("set_banked_turn", map[string]any{"enabled": enabled})
}

type followMeBackend struct{ c *controller }

func (b *followMeBackend) Activate() bool   { return b.c.send(link.TargetFollowMe, "activate", nil) }
func (b *followMeBackend) Deactivate() bool { return b.c.send(link.TargetFollowMe, "deactivate", nil) }

func (b *followMeBackend) SetMode(m pilotingitf.FollowMode) bool {
	return b.c.send(link.TargetFollowMe, "set_mode", map[string]any{"mode": string(m)})
}
