package pilotingitf

import (
	"skylink/internal/component"
	"skylink/internal/setting"
)

// SmartAction is the effect of the smart take off / land button.
type SmartAction string

const (
	SmartNone          SmartAction = "none"
	SmartTakeOff       SmartAction = "take_off"
	SmartThrownTakeOff SmartAction = "thrown_take_off"
	SmartLand          SmartAction = "land"
)

// SmartActionFor derives the smart action from the flight capability
// flags. A copter that can land is airborne, so landing wins.
func SmartActionFor(canLand, canTakeOff, willThrownTakeOff bool) SmartAction {
	switch {
	case canLand:
		return SmartLand
	case canTakeOff && willThrownTakeOff:
		return SmartThrownTakeOff
	case canTakeOff:
		return SmartTakeOff
	}
	return SmartNone
}

// PilotingCommand is the continuous piloting input, each axis in percent
// of its maximum.
type PilotingCommand struct {
	Pitch    int `json:"pitch"`
	Roll     int `json:"roll"`
	Yaw      int `json:"yaw"`
	Vertical int `json:"vertical"`
}

// ManualCopterBackend sends manual piloting commands to the device.
type ManualCopterBackend interface {
	ActivableBackend
	TakeOff() bool
	ThrownTakeOff() bool
	Land() bool
	EmergencyCutOut() bool
	SetPilotingCommand(cmd PilotingCommand) bool
	SetMaxPitchRoll(deg float64) bool
	SetMaxVerticalSpeed(mps float64) bool
	SetMaxYawRotationSpeed(dps float64) bool
	SetBankedTurnMode(enabled bool) bool
}

type manualCopterFields struct {
	canTakeOff        bool
	canLand           bool
	willThrownTakeOff bool
	smartAction       SmartAction
}

// ManualCopterDesc is the descriptor of the manual piloting interface.
var ManualCopterDesc = component.NewDescriptor[*ManualCopter](component.PilotingItf, "manual_copter")

// ManualCopter is direct stick piloting of a copter.
type ManualCopter struct {
	Itf[manualCopterFields]
	backend ManualCopterBackend

	cmd PilotingCommand

	maxPitchRoll        *setting.Ranged[float64]
	maxVerticalSpeed    *setting.Ranged[float64]
	maxYawRotationSpeed *setting.Ranged[float64]
	bankedTurnMode      *setting.Setting[bool]
}

// NewManualCopter creates an unpublished manual piloting interface.
func NewManualCopter(store *component.Store, env setting.Env, backend ManualCopterBackend) *ManualCopter {
	m := &ManualCopter{backend: backend}
	m.setup(store, ManualCopterDesc.Key(), m, backend, manualCopterFields{smartAction: SmartNone})
	notify := m.NotifyUpdated
	m.maxPitchRoll = setting.NewRanged(env, "manual.max_pitch_roll", 20,
		setting.Bounds[float64]{Min: 5, Max: 40}, backend.SetMaxPitchRoll, notify)
	m.maxVerticalSpeed = setting.NewRanged(env, "manual.max_vertical_speed", 2,
		setting.Bounds[float64]{Min: 0.1, Max: 4}, backend.SetMaxVerticalSpeed, notify)
	m.maxYawRotationSpeed = setting.NewRanged(env, "manual.max_yaw_rotation_speed", 60,
		setting.Bounds[float64]{Min: 3, Max: 200}, backend.SetMaxYawRotationSpeed, notify)
	m.bankedTurnMode = setting.New(env, "manual.banked_turn", false, backend.SetBankedTurnMode, notify)
	m.beforeUnpublish = func() {
		m.maxPitchRoll.CancelRollback()
		m.maxVerticalSpeed.CancelRollback()
		m.maxYawRotationSpeed.CancelRollback()
		m.bankedTurnMode.CancelRollback()
		m.cmd = PilotingCommand{}
	}
	return m
}

func (m *ManualCopter) CanTakeOff() bool         { return m.get().canTakeOff }
func (m *ManualCopter) CanLand() bool            { return m.get().canLand }
func (m *ManualCopter) WillThrownTakeOff() bool  { return m.get().willThrownTakeOff }
func (m *ManualCopter) SmartAction() SmartAction { return m.get().smartAction }

func (m *ManualCopter) MaxPitchRoll() *setting.Ranged[float64]        { return m.maxPitchRoll }
func (m *ManualCopter) MaxVerticalSpeed() *setting.Ranged[float64]    { return m.maxVerticalSpeed }
func (m *ManualCopter) MaxYawRotationSpeed() *setting.Ranged[float64] { return m.maxYawRotationSpeed }
func (m *ManualCopter) BankedTurnMode() *setting.Setting[bool]        { return m.bankedTurnMode }

func (m *ManualCopter) TakeOff() bool         { return m.backend.TakeOff() }
func (m *ManualCopter) ThrownTakeOff() bool   { return m.backend.ThrownTakeOff() }
func (m *ManualCopter) Land() bool            { return m.backend.Land() }
func (m *ManualCopter) EmergencyCutOut() bool { return m.backend.EmergencyCutOut() }

// SmartTakeOffLand runs whichever action is currently derived.
func (m *ManualCopter) SmartTakeOffLand() bool {
	switch m.SmartAction() {
	case SmartLand:
		return m.Land()
	case SmartThrownTakeOff:
		return m.ThrownTakeOff()
	case SmartTakeOff:
		return m.TakeOff()
	}
	return false
}

func clampPercent(v int) int {
	return min(max(v, -100), 100)
}

// SetPitch sets the pitch input, -100 (backward) to 100 (forward).
func (m *ManualCopter) SetPitch(v int) bool {
	m.cmd.Pitch = clampPercent(v)
	return m.backend.SetPilotingCommand(m.cmd)
}

// SetRoll sets the roll input, -100 (left) to 100 (right).
func (m *ManualCopter) SetRoll(v int) bool {
	m.cmd.Roll = clampPercent(v)
	return m.backend.SetPilotingCommand(m.cmd)
}

// SetYawRotationSpeed sets the yaw input, -100 (counter clockwise) to 100.
func (m *ManualCopter) SetYawRotationSpeed(v int) bool {
	m.cmd.Yaw = clampPercent(v)
	return m.backend.SetPilotingCommand(m.cmd)
}

// SetVerticalSpeed sets the vertical input, -100 (down) to 100 (up).
func (m *ManualCopter) SetVerticalSpeed(v int) bool {
	m.cmd.Vertical = clampPercent(v)
	return m.backend.SetPilotingCommand(m.cmd)
}

// Hover centers pitch and roll.
func (m *ManualCopter) Hover() bool {
	m.cmd.Pitch, m.cmd.Roll = 0, 0
	return m.backend.SetPilotingCommand(m.cmd)
}

// ManualCopterUpdate stages device feedback for a ManualCopter.
type ManualCopterUpdate struct {
	u *Update[manualCopterFields]
}

// Update starts a transaction.
func (m *ManualCopter) Update() *ManualCopterUpdate {
	return &ManualCopterUpdate{u: m.begin()}
}

func (t *ManualCopterUpdate) State(s State) *ManualCopterUpdate {
	t.u.SetState(s)
	return t
}

func (t *ManualCopterUpdate) CanTakeOff(v bool) *ManualCopterUpdate {
	t.u.edit(func(f *manualCopterFields) bool { return component.Assign(&f.canTakeOff, v) })
	return t
}

func (t *ManualCopterUpdate) CanLand(v bool) *ManualCopterUpdate {
	t.u.edit(func(f *manualCopterFields) bool { return component.Assign(&f.canLand, v) })
	return t
}

func (t *ManualCopterUpdate) WillThrownTakeOff(v bool) *ManualCopterUpdate {
	t.u.edit(func(f *manualCopterFields) bool { return component.Assign(&f.willThrownTakeOff, v) })
	return t
}

// Commit recomputes the smart action from the staged flags and applies
// everything with one notification.
func (t *ManualCopterUpdate) Commit() bool {
	t.u.edit(func(f *manualCopterFields) bool {
		return component.Assign(&f.smartAction, SmartActionFor(f.canLand, f.canTakeOff, f.willThrownTakeOff))
	})
	return t.u.commit()
}
