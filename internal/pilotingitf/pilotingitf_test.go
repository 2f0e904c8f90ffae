package pilotingitf

import (
	"testing"
	"time"

	"skylink/internal/component"
	"skylink/internal/engine"
	"skylink/internal/setting"
)

type nopTimer struct{ stopped bool }

func (t *nopTimer) Stop() bool { s := !t.stopped; t.stopped = true; return s }

type fakeScheduler struct {
	timers []*nopTimer
	fns    []func()
}

func (f *fakeScheduler) AfterFunc(_ time.Duration, fn func()) engine.Timer {
	t := &nopTimer{}
	f.timers = append(f.timers, t)
	f.fns = append(f.fns, fn)
	return t
}

func (f *fakeScheduler) fire() {
	for i, t := range f.timers {
		if !t.stopped {
			t.stopped = true
			f.fns[i]()
		}
	}
}

func (f *fakeScheduler) armed() int {
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// stubBackend records every request and accepts it.
type stubBackend struct {
	calls []string
}

func (b *stubBackend) record(name string) bool {
	b.calls = append(b.calls, name)
	return true
}

func (b *stubBackend) last() string {
	if len(b.calls) == 0 {
		return ""
	}
	return b.calls[len(b.calls)-1]
}

func (b *stubBackend) Activate() bool                               { return b.record("activate") }
func (b *stubBackend) Deactivate() bool                             { return b.record("deactivate") }
func (b *stubBackend) CancelAutoTrigger() bool                      { return b.record("cancel_auto_trigger") }
func (b *stubBackend) SetCustomLocation(lat, lon, alt float64) bool { return b.record("custom_location") }
func (b *stubBackend) SetAutoTrigger(bool) bool                     { return b.record("auto_trigger") }
func (b *stubBackend) SetPreferredTarget(Target) bool               { return b.record("preferred_target") }
func (b *stubBackend) SetEndingBehavior(EndingBehavior) bool        { return b.record("ending_behavior") }
func (b *stubBackend) SetAutoStartOnDisconnectDelay(int) bool       { return b.record("auto_start_delay") }
func (b *stubBackend) SetEndingHoveringAltitude(float64) bool       { return b.record("hovering_altitude") }
func (b *stubBackend) SetMinAltitude(float64) bool                  { return b.record("min_altitude") }
func (b *stubBackend) MoveToLocation(LocationDirective) bool        { return b.record("move_to_location") }
func (b *stubBackend) MoveToRelativePosition(RelativeDirective) bool {
	return b.record("move_to_relative")
}
func (b *stubBackend) TakeOff() bool                          { return b.record("take_off") }
func (b *stubBackend) ThrownTakeOff() bool                    { return b.record("thrown_take_off") }
func (b *stubBackend) Land() bool                             { return b.record("land") }
func (b *stubBackend) EmergencyCutOut() bool                  { return b.record("emergency") }
func (b *stubBackend) SetPilotingCommand(PilotingCommand) bool { return b.record("piloting") }
func (b *stubBackend) SetMaxPitchRoll(float64) bool           { return b.record("max_pitch_roll") }
func (b *stubBackend) SetMaxVerticalSpeed(float64) bool       { return b.record("max_vertical_speed") }
func (b *stubBackend) SetMaxYawRotationSpeed(float64) bool    { return b.record("max_yaw_speed") }
func (b *stubBackend) SetBankedTurnMode(bool) bool            { return b.record("banked_turn") }
func (b *stubBackend) SetMode(FollowMode) bool                { return b.record("follow_mode") }

func TestActivableLifecycle(t *testing.T) {
	store := component.NewStore()
	be := &stubBackend{}
	g := NewGuided(store, be)
	g.Publish()

	if g.State() != Unavailable {
		t.Fatalf("initial state = %s", g.State())
	}
	if g.Activate() {
		t.Fatal("activate from UNAVAILABLE should be refused")
	}
	if len(be.calls) != 0 {
		t.Fatal("refused activate reached the backend")
	}

	g.Update().State(Idle).Commit()
	if !g.Activate() {
		t.Fatal("activate from IDLE should be accepted")
	}
	if g.State() != Idle {
		t.Error("state must wait for device confirmation")
	}
	if g.Deactivate() {
		t.Error("deactivate from IDLE should be refused")
	}

	g.Update().State(Active).Commit()
	if !g.Deactivate() || be.last() != "deactivate" {
		t.Error("deactivate from ACTIVE should reach the backend")
	}

	n := 0
	sub := component.Observe(store, GuidedDesc, func(*Guided, bool) { n++ })
	defer sub.Unsubscribe()
	n = 0

	g.Unpublish()
	if g.State() != Unavailable {
		t.Errorf("state after unpublish = %s", g.State())
	}
	if n != 1 {
		t.Errorf("unpublish notified %d times", n)
	}

	if g.Update().State(Active).Commit() {
		t.Error("stray activation after unpublish was applied")
	}
	if g.State() != Unavailable || n != 1 {
		t.Errorf("stray ack: state=%s notifications=%d", g.State(), n)
	}

	g.Unpublish()
	if n != 1 {
		t.Error("second unpublish notified observers")
	}

	g.Publish()
	g.Update().State(Idle).Commit()
	if g.State() != Idle {
		t.Error("republished interface ignores updates")
	}
}

func TestReturnHomeCancelAutoTrigger(t *testing.T) {
	be := &stubBackend{}
	r := NewReturnHome(component.NewStore(), setting.Env{Scheduler: &fakeScheduler{}}, be)
	r.Publish()

	for _, reach := range []Reachability{ReachabilityUnknown, ReachabilityReachable, ReachabilityCritical, ReachabilityNotReachable} {
		r.Update().Reachability(reach).Commit()
		if r.CancelAutoTrigger() {
			t.Errorf("cancel forwarded with reachability %s", reach)
		}
	}
	r.Update().Reachability(ReachabilityWarning).Commit()
	if !r.CancelAutoTrigger() || be.last() != "cancel_auto_trigger" {
		t.Error("cancel not forwarded in WARNING")
	}
}

func TestReturnHomeCustomLocationNeedsConfirmedTarget(t *testing.T) {
	be := &stubBackend{}
	r := NewReturnHome(component.NewStore(), setting.Env{Scheduler: &fakeScheduler{}}, be)
	r.Publish()

	r.PreferredTarget().Set(TargetCustomLocation)
	if r.SetCustomLocation(48.8, 2.3, 30) {
		t.Error("custom location forwarded before the target was confirmed")
	}

	r.PreferredTarget().Confirm(TargetCustomLocation)
	if !r.SetCustomLocation(48.8, 2.3, 30) || be.last() != "custom_location" {
		t.Error("custom location not forwarded once confirmed")
	}
}

func TestReturnHomeAutoTriggerDelay(t *testing.T) {
	r := NewReturnHome(component.NewStore(), setting.Env{Scheduler: &fakeScheduler{}}, &stubBackend{})
	r.Publish()

	if r.AutoTriggerDelay() != 0 || r.AutoTriggerPlanned() {
		t.Error("no planned auto trigger should read as 0")
	}
	r.Update().AutoTriggerDelay(30 * time.Second).Commit()
	if r.AutoTriggerDelay() != 30*time.Second || !r.AutoTriggerPlanned() {
		t.Errorf("delay = %v", r.AutoTriggerDelay())
	}
	r.Update().AutoTriggerDelay(-5 * time.Second).Commit()
	if r.AutoTriggerDelay() != 0 || r.AutoTriggerPlanned() {
		t.Error("negative delay should clear the planned trigger")
	}
}

func TestReturnHomeUnpublishCancelsRollbacks(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewReturnHome(component.NewStore(), setting.Env{Scheduler: sched}, &stubBackend{})
	r.Publish()

	r.AutoTrigger().Set(false)
	r.PreferredTarget().Set(TargetControllerPosition)
	r.EndingBehavior().Set(EndingLanding)
	r.AutoStartOnDisconnectDelay().Set(60)
	r.EndingHoveringAltitude().Set(20)
	r.MinAltitude().Set(50)
	if sched.armed() != 6 {
		t.Fatalf("armed = %d, want 6", sched.armed())
	}

	r.Unpublish()
	if sched.armed() != 0 {
		t.Errorf("%d rollback timers survived unpublish", sched.armed())
	}
	if r.AutoTrigger().Updating() || r.MinAltitude().Updating() {
		t.Error("settings still updating after unpublish")
	}
}

func TestReturnHomeSingleNotificationPerCommit(t *testing.T) {
	store := component.NewStore()
	r := NewReturnHome(store, setting.Env{Scheduler: &fakeScheduler{}}, &stubBackend{})
	r.Publish()

	n := 0
	sub := component.Observe(store, ReturnHomeDesc, func(*ReturnHome, bool) { n++ })
	defer sub.Unsubscribe()
	n = 0

	r.Update().
		State(Idle).
		Reason(ReasonUserRequested).
		CurrentTarget(TargetTakeOffPosition, true).
		HomeLocation(&Location{Latitude: 1, Longitude: 2, Altitude: 3}).
		Commit()
	if n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
	if !r.GPSWasFixedOnTakeOff() || r.HomeLocation().Altitude != 3 {
		t.Error("staged fields not applied")
	}

	r.Update().HomeLocation(&Location{Latitude: 1, Longitude: 2, Altitude: 3}).Commit()
	if n != 1 {
		t.Error("identical update notified")
	}
}

func TestSmartTakeOffLand(t *testing.T) {
	be := &stubBackend{}
	m := NewManualCopter(component.NewStore(), setting.Env{Scheduler: &fakeScheduler{}}, be)
	m.Publish()

	if m.SmartTakeOffLand() {
		t.Error("smart action NONE should do nothing")
	}

	m.Update().CanTakeOff(true).Commit()
	if m.SmartAction() != SmartTakeOff {
		t.Fatalf("action = %s, want take_off", m.SmartAction())
	}
	m.SmartTakeOffLand()
	if be.last() != "take_off" {
		t.Errorf("dispatched %s", be.last())
	}

	m.Update().WillThrownTakeOff(true).Commit()
	if m.SmartAction() != SmartThrownTakeOff {
		t.Fatalf("action = %s, want thrown_take_off", m.SmartAction())
	}
	m.SmartTakeOffLand()
	if be.last() != "thrown_take_off" {
		t.Errorf("dispatched %s", be.last())
	}

	m.Update().CanLand(true).Commit()
	if m.SmartAction() != SmartLand {
		t.Fatalf("action = %s, want land", m.SmartAction())
	}
	m.SmartTakeOffLand()
	if be.last() != "land" {
		t.Errorf("dispatched %s", be.last())
	}
}

func TestSmartActionFor(t *testing.T) {
	tests := []struct {
		canLand, canTakeOff, thrown bool
		want                        SmartAction
	}{
		{false, false, false, SmartNone},
		{false, false, true, SmartNone},
		{false, true, false, SmartTakeOff},
		{false, true, true, SmartThrownTakeOff},
		{true, false, false, SmartLand},
		{true, true, true, SmartLand},
	}
	for _, tt := range tests {
		if got := SmartActionFor(tt.canLand, tt.canTakeOff, tt.thrown); got != tt.want {
			t.Errorf("SmartActionFor(%v, %v, %v) = %s, want %s", tt.canLand, tt.canTakeOff, tt.thrown, got, tt.want)
		}
	}
}

func TestPilotingCommandClamped(t *testing.T) {
	m := NewManualCopter(component.NewStore(), setting.Env{Scheduler: &fakeScheduler{}}, &stubBackend{})
	m.SetPitch(250)
	m.SetRoll(-300)
	if m.cmd.Pitch != 100 || m.cmd.Roll != -100 {
		t.Errorf("cmd = %+v", m.cmd)
	}
	m.Hover()
	if m.cmd.Pitch != 0 || m.cmd.Roll != 0 {
		t.Errorf("hover left cmd = %+v", m.cmd)
	}
}

func TestGuidedDirectives(t *testing.T) {
	be := &stubBackend{}
	g := NewGuided(component.NewStore(), be)
	g.Publish()

	if !g.MoveToLocation(48.87, 2.29, 50, nil) || be.last() != "move_to_location" {
		t.Fatal("move to location not forwarded")
	}

	loc := LocationDirective{Latitude: 48.87, Longitude: 2.29, Altitude: 50, Orientation: OrientationStart{Heading: 90}}
	g.Update().State(Active).CurrentDirective(loc).Commit()
	if g.CurrentDirective() != loc {
		t.Errorf("current directive = %#v", g.CurrentDirective())
	}

	g.Update().State(Idle).CurrentDirective(nil).FinishedFlight(FinishedLocationFlight{Directive: loc, Success: true}).Commit()
	if g.CurrentDirective() != nil {
		t.Error("directive should be cleared when the flight ends")
	}
	info := g.LatestFinishedFlightInfo()
	if info == nil || !info.Succeeded() {
		t.Fatalf("finished info = %#v", info)
	}

	rel := RelativeDirective{Forward: 10}
	g.Update().CurrentDirective(rel).Commit()
	if g.LatestFinishedFlightInfo() == nil {
		t.Error("finished info should survive a new directive")
	}
}

func TestIssueSetIdempotence(t *testing.T) {
	store := component.NewStore()
	l := NewLookAt(store, &stubBackend{})
	l.Publish()

	n := 0
	sub := component.Observe(store, LookAtDesc, func(*LookAt, bool) { n++ })
	defer sub.Unsubscribe()
	n = 0

	a, b, c := IssueDroneNotFlying, IssueTargetTooClose, IssueDroneNotCalibrated

	if !l.Update().AvailabilityIssues(a, b).Commit() {
		t.Fatal("first update should change the set")
	}
	if l.Update().AvailabilityIssues(b, a).Commit() {
		t.Error("same content update marked changed")
	}
	if n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}

	if !l.Update().AvailabilityIssues(b, c).Commit() {
		t.Error("different content not marked changed")
	}
	got := l.AvailabilityIssues()
	if len(got) != 2 || !got.Contains(b) || !got.Contains(c) || got.Contains(a) {
		t.Errorf("issues = %v, want {B, C}", got)
	}
	if len(l.QualityIssues()) != 0 {
		t.Error("quality issues touched")
	}
}

func TestFollowMe(t *testing.T) {
	sched := &fakeScheduler{}
	be := &stubBackend{}
	f := NewFollowMe(component.NewStore(), setting.Env{Scheduler: sched}, be)
	f.Publish()

	tx := f.Update()
	tx.State(Idle)
	tx.QualityIssues(IssueTargetGPSInfoInaccurate)
	tx.Behavior(BehaviorStationary)
	tx.Commit()

	if f.State() != Idle || f.Behavior() != BehaviorStationary || !f.QualityIssues().Contains(IssueTargetGPSInfoInaccurate) {
		t.Errorf("state=%s behavior=%s issues=%v", f.State(), f.Behavior(), f.QualityIssues())
	}

	f.Mode().Set(FollowLeash)
	if be.last() != "follow_mode" || !f.Mode().Updating() {
		t.Error("mode request not sent")
	}
	f.Unpublish()
	if sched.armed() != 0 {
		t.Error("mode rollback survived unpublish")
	}
}

func TestUnpublishResetsBehaviourFields(t *testing.T) {
	store := component.NewStore()
	sched := &fakeScheduler{}
	env := setting.Env{Scheduler: sched}

	g := NewGuided(store, &stubBackend{})
	g.Publish()
	rel := RelativeDirective{Forward: 5}
	g.Update().State(Active).CurrentDirective(rel).FinishedFlight(FinishedRelativeFlight{Directive: rel, Success: true}).Commit()

	m := NewManualCopter(store, env, &stubBackend{})
	m.Publish()
	m.Update().State(Active).CanLand(true).Commit()
	m.MaxPitchRoll().Confirm(30)

	f := NewFollowMe(store, env, &stubBackend{})
	f.Publish()
	f.Update().Behavior(BehaviorFollowing).AvailabilityIssues(IssueDroneNotFlying).Commit()

	for _, c := range []component.Component{g, m, f} {
		c.Unpublish()
		c.Publish()
	}

	if g.CurrentDirective() != nil || g.LatestFinishedFlightInfo() != nil {
		t.Errorf("guided kept directive=%#v finished=%#v", g.CurrentDirective(), g.LatestFinishedFlightInfo())
	}
	if m.SmartAction() != SmartNone || m.CanLand() {
		t.Errorf("manual copter kept smart=%s canLand=%v", m.SmartAction(), m.CanLand())
	}
	if m.MaxPitchRoll().Value() != 30 {
		t.Errorf("confirmed setting lost: max pitch roll = %v", m.MaxPitchRoll().Value())
	}
	if f.Behavior() != BehaviorInactive || len(f.AvailabilityIssues()) != 0 {
		t.Errorf("follow me kept behavior=%s issues=%v", f.Behavior(), f.AvailabilityIssues())
	}
	for _, a := range []Activable{g, m, f} {
		if a.State() != Unavailable {
			t.Errorf("%s state = %s, want unavailable", a.Key(), a.State())
		}
	}
}
