package pilotingitf

import (
	"slices"

	"skylink/internal/component"
	"skylink/internal/setting"
)

// Issue is a reason why tracking is unavailable or degraded.
type Issue string

const (
	IssueDroneGPSInfoInaccurate          Issue = "drone_gps_info_inaccurate"
	IssueDroneNotCalibrated              Issue = "drone_not_calibrated"
	IssueDroneNotFlying                  Issue = "drone_not_flying"
	IssueDroneOutOfGeofence              Issue = "drone_out_of_geofence"
	IssueDroneTooCloseToGround           Issue = "drone_too_close_to_ground"
	IssueDroneAboveMaxAltitude           Issue = "drone_above_max_altitude"
	IssueDroneInsufficientBattery        Issue = "drone_insufficient_battery"
	IssueTargetGPSInfoInaccurate         Issue = "target_gps_info_inaccurate"
	IssueTargetBarometerInfoInaccurate   Issue = "target_barometer_info_inaccurate"
	IssueTargetExternalAccessoryMissing  Issue = "target_external_accessory_info_missing"
	IssueTargetTooFast                   Issue = "target_too_fast"
	IssueTargetTooClose                  Issue = "target_too_close"
	IssueTargetImageDetectionInfoMissing Issue = "target_image_detection_info_missing"
	IssueTargetPositionAccuracyTooLow    Issue = "target_position_accuracy_too_low"
)

// IssueSet is an immutable, sorted set of issues.
type IssueSet []Issue

// NewIssueSet builds a set from issues, dropping duplicates.
func NewIssueSet(issues ...Issue) IssueSet {
	s := slices.Clone(issues)
	slices.Sort(s)
	return IssueSet(slices.Compact(s))
}

// Contains reports whether i is in the set.
func (s IssueSet) Contains(i Issue) bool {
	_, found := slices.BinarySearch(s, i)
	return found
}

// replaceIssues replaces *dst with next and reports whether the content
// changed. Resending an unchanged set is not a change.
func replaceIssues(dst *IssueSet, next IssueSet) bool {
	next = NewIssueSet(next...)
	if slices.Equal(*dst, next) {
		return false
	}
	*dst = next
	return true
}

type trackingFields struct {
	availabilityIssues IssueSet
	qualityIssues      IssueSet
}

// tracking is the issue bookkeeping shared by FollowMe and LookAt.
type tracking[S any] struct {
	Itf[S]
	issues func(*S) *trackingFields
}

// AvailabilityIssues returns what prevents tracking from being activated.
func (t *tracking[S]) AvailabilityIssues() IssueSet {
	v := t.get()
	return t.issues(&v).availabilityIssues
}

// QualityIssues returns what degrades tracking quality.
func (t *tracking[S]) QualityIssues() IssueSet {
	v := t.get()
	return t.issues(&v).qualityIssues
}

// TrackingUpdate stages issue sets and activation state.
type TrackingUpdate[S any] struct {
	u      *Update[S]
	issues func(*S) *trackingFields
}

func (t *tracking[S]) update() *TrackingUpdate[S] {
	return &TrackingUpdate[S]{u: t.begin(), issues: t.issues}
}

func (t *TrackingUpdate[S]) State(s State) *TrackingUpdate[S] {
	t.u.SetState(s)
	return t
}

// AvailabilityIssues replaces the availability issue set.
func (t *TrackingUpdate[S]) AvailabilityIssues(issues ...Issue) *TrackingUpdate[S] {
	t.u.edit(func(f *S) bool { return replaceIssues(&t.issues(f).availabilityIssues, issues) })
	return t
}

// QualityIssues replaces the quality issue set.
func (t *TrackingUpdate[S]) QualityIssues(issues ...Issue) *TrackingUpdate[S] {
	t.u.edit(func(f *S) bool { return replaceIssues(&t.issues(f).qualityIssues, issues) })
	return t
}

func (t *TrackingUpdate[S]) Commit() bool {
	return t.u.commit()
}

// FollowMode is how FollowMe keeps up with its target.
type FollowMode string

const (
	FollowGeographic FollowMode = "geographic"
	FollowRelative   FollowMode = "relative"
	FollowLeash      FollowMode = "leash"
)

// FollowBehavior is what FollowMe is doing right now.
type FollowBehavior string

const (
	BehaviorInactive   FollowBehavior = "inactive"
	BehaviorFollowing  FollowBehavior = "following"
	BehaviorStationary FollowBehavior = "stationary"
)

// FollowMeBackend sends follow me requests to the device.
type FollowMeBackend interface {
	ActivableBackend
	SetMode(m FollowMode) bool
}

type followMeFields struct {
	trackingFields
	behavior FollowBehavior
}

// FollowMeDesc is the descriptor of the follow me interface.
var FollowMeDesc = component.NewDescriptor[*FollowMe](component.PilotingItf, "follow_me")

// FollowMe keeps the drone moving along with a target.
type FollowMe struct {
	tracking[followMeFields]
	mode *setting.Setting[FollowMode]
}

// NewFollowMe creates an unpublished follow me interface.
func NewFollowMe(store *component.Store, env setting.Env, backend FollowMeBackend) *FollowMe {
	f := &FollowMe{}
	f.setup(store, FollowMeDesc.Key(), f, backend, followMeFields{behavior: BehaviorInactive})
	f.issues = func(v *followMeFields) *trackingFields { return &v.trackingFields }
	f.mode = setting.New(env, "follow_me.mode", FollowGeographic, backend.SetMode, f.NotifyUpdated)
	f.beforeUnpublish = f.mode.CancelRollback
	return f
}

func (f *FollowMe) Mode() *setting.Setting[FollowMode] { return f.mode }
func (f *FollowMe) Behavior() FollowBehavior           { return f.get().behavior }

// FollowMeUpdate stages device feedback for a FollowMe.
type FollowMeUpdate struct {
	*TrackingUpdate[followMeFields]
}

// Update starts a transaction.
func (f *FollowMe) Update() *FollowMeUpdate {
	return &FollowMeUpdate{f.update()}
}

func (t *FollowMeUpdate) Behavior(b FollowBehavior) *FollowMeUpdate {
	t.u.edit(func(f *followMeFields) bool { return component.Assign(&f.behavior, b) })
	return t
}

// LookAtDesc is the descriptor of the look at interface.
var LookAtDesc = component.NewDescriptor[*LookAt](component.PilotingItf, "look_at")

// LookAt keeps the camera on a target without moving the drone.
type LookAt struct {
	tracking[trackingFields]
}

// NewLookAt creates an unpublished look at interface.
func NewLookAt(store *component.Store, backend ActivableBackend) *LookAt {
	l := &LookAt{}
	l.setup(store, LookAtDesc.Key(), l, backend, trackingFields{})
	l.issues = func(v *trackingFields) *trackingFields { return v }
	return l
}

// Update starts a transaction.
func (l *LookAt) Update() *TrackingUpdate[trackingFields] {
	return l.update()
}
