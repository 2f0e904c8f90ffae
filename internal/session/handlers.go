package session

import (
	"cmp"
	"errors"
	"fmt"

	"skylink/internal/device"
	"skylink/internal/link"
	"skylink/internal/pilotingitf"
	"skylink/internal/setting"
)

var errUnsupported = errors.New("feature not supported by this model")

func (c *controller) handleEvent(gen uint64, e link.Event) {
	if gen != c.attempt {
		return
	}
	switch c.dev.State().ConnectionState {
	case device.Connecting:
		c.backlog = append(c.backlog, e)
	case device.Connected:
		c.dispatch(e)
	}
}

// dispatch applies e, dropping it whole when any field is invalid.
func (c *controller) dispatch(e link.Event) {
	c.s.metrics.RecordEvent(string(e.Feature))
	if err := c.apply(e); err != nil {
		c.logger.Warn("device feedback dropped", "feature", e.Feature, "err", err)
		c.s.metrics.RecordDroppedEvent(string(e.Feature))
	}
}

func (c *controller) apply(e link.Event) error {
	switch p := e.Payload.(type) {
	case link.DeviceInfo:
		return c.applyDeviceInfo(p)
	case link.ReturnHomeState:
		return c.applyReturnHomeState(p)
	case link.ReturnHomeTarget:
		return c.applyReturnHomeTarget(p)
	case link.ReturnHomeReachability:
		return c.applyReturnHomeReachability(p)
	case link.ReturnHomeLocation:
		if c.returnHome == nil {
			return errUnsupported
		}
		c.returnHome.Update().HomeLocation(toLocation(p.Home)).CustomLocation(toLocation(p.Custom)).Commit()
		return nil
	case link.ReturnHomeSettings:
		return c.applyReturnHomeSettings(p)
	case link.GuidedState:
		return c.applyGuidedState(p)
	case link.GuidedFinished:
		return c.applyGuidedFinished(p)
	case link.ManualState:
		return c.applyManualState(p)
	case link.ManualSettings:
		return c.applyManualSettings(p)
	case link.TrackingState:
		if e.Feature == link.FeatureFollowMeState {
			return c.applyFollowMeState(p)
		}
		return c.applyLookAtState(p)
	}
	return fmt.Errorf("unexpected payload %T", e.Payload)
}

func (c *controller) applyDeviceInfo(p link.DeviceInfo) error {
	if p.Name != "" {
		c.dev.SetName(p.Name)
	}
	c.dev.SetFirmwareVersion(p.FirmwareVersion)
	if p.BoardID != nil {
		c.dev.SetBoardID(*p.BoardID)
	}
	c.updateRecord()
	return nil
}

func (c *controller) applyReturnHomeState(p link.ReturnHomeState) error {
	if c.returnHome == nil {
		return errUnsupported
	}
	st, err := itfStates.parse(p.State)
	if err != nil {
		return err
	}
	reason, err := reasons.parse(p.Reason)
	if err != nil {
		return err
	}
	c.returnHome.Update().State(st).Reason(reason).Commit()
	return nil
}

func (c *controller) applyReturnHomeTarget(p link.ReturnHomeTarget) error {
	if c.returnHome == nil {
		return errUnsupported
	}
	t, err := targets.parse(p.Target)
	if err != nil {
		return err
	}
	c.returnHome.Update().CurrentTarget(t, p.GPSFixedOnTakeOff).Commit()
	return nil
}

func (c *controller) applyReturnHomeReachability(p link.ReturnHomeReachability) error {
	if c.returnHome == nil {
		return errUnsupported
	}
	r, err := reachabilities.parse(p.Reachability)
	if err != nil {
		return err
	}
	if p.AutoTriggerDelay != nil && *p.AutoTriggerDelay < 0 {
		return fmt.Errorf("negative auto trigger delay %v", *p.AutoTriggerDelay)
	}
	c.returnHome.Update().Reachability(r).AutoTriggerDelay(autoTriggerDelay(p.AutoTriggerDelay)).Commit()
	return nil
}

func (c *controller) applyReturnHomeSettings(p link.ReturnHomeSettings) error {
	rh := c.returnHome
	if rh == nil {
		return errUnsupported
	}
	var target pilotingitf.Target
	var ending pilotingitf.EndingBehavior
	var err error
	if p.PreferredTarget != nil {
		if target, err = targets.parse(*p.PreferredTarget); err != nil {
			return err
		}
	}
	if p.EndingBehavior != nil {
		if ending, err = endingBehaviors.parse(*p.EndingBehavior); err != nil {
			return err
		}
	}
	for _, r := range []*link.RangedFloat{p.EndingHoveringAltitude, p.MinAltitude} {
		if r != nil && r.Min > r.Max {
			return fmt.Errorf("inverted bounds [%v, %v]", r.Min, r.Max)
		}
	}
	if r := p.AutoStartOnDisconnectDelay; r != nil && r.Min > r.Max {
		return fmt.Errorf("inverted bounds [%v, %v]", r.Min, r.Max)
	}

	if p.AutoTrigger != nil {
		confirmSetting(c, rh.AutoTrigger(), *p.AutoTrigger)
	}
	if p.PreferredTarget != nil {
		confirmSetting(c, rh.PreferredTarget(), target)
	}
	if p.EndingBehavior != nil {
		confirmSetting(c, rh.EndingBehavior(), ending)
	}
	if r := p.AutoStartOnDisconnectDelay; r != nil {
		confirmRanged(c, rh.AutoStartOnDisconnectDelay(), r.Min, r.Max, r.Value)
	}
	if r := p.EndingHoveringAltitude; r != nil {
		confirmRanged(c, rh.EndingHoveringAltitude(), r.Min, r.Max, r.Value)
	}
	if r := p.MinAltitude; r != nil {
		confirmRanged(c, rh.MinAltitude(), r.Min, r.Max, r.Value)
	}
	return nil
}

func (c *controller) applyGuidedState(p link.GuidedState) error {
	if c.guided == nil {
		return errUnsupported
	}
	st, err := itfStates.parse(p.State)
	if err != nil {
		return err
	}
	d, err := directiveFromWire(p.Directive)
	if err != nil {
		return err
	}
	c.guided.Update().State(st).CurrentDirective(d).Commit()
	return nil
}

func (c *controller) applyGuidedFinished(p link.GuidedFinished) error {
	if c.guided == nil {
		return errUnsupported
	}
	info, err := finishedFromWire(p)
	if err != nil {
		return err
	}
	c.guided.Update().FinishedFlight(info).Commit()
	return nil
}

func (c *controller) applyManualState(p link.ManualState) error {
	if c.manual == nil {
		return errUnsupported
	}
	st, err := itfStates.parse(p.State)
	if err != nil {
		return err
	}
	c.manual.Update().
		State(st).
		CanTakeOff(p.CanTakeOff).
		CanLand(p.CanLand).
		WillThrownTakeOff(p.WillThrownTakeOff).
		Commit()
	return nil
}

func (c *controller) applyManualSettings(p link.ManualSettings) error {
	m := c.manual
	if m == nil {
		return errUnsupported
	}
	for _, r := range []*link.RangedFloat{p.MaxPitchRoll, p.MaxVerticalSpeed, p.MaxYawRotationSpeed} {
		if r != nil && r.Min > r.Max {
			return fmt.Errorf("inverted bounds [%v, %v]", r.Min, r.Max)
		}
	}
	if r := p.MaxPitchRoll; r != nil {
		confirmRanged(c, m.MaxPitchRoll(), r.Min, r.Max, r.Value)
	}
	if r := p.MaxVerticalSpeed; r != nil {
		confirmRanged(c, m.MaxVerticalSpeed(), r.Min, r.Max, r.Value)
	}
	if r := p.MaxYawRotationSpeed; r != nil {
		confirmRanged(c, m.MaxYawRotationSpeed(), r.Min, r.Max, r.Value)
	}
	if p.BankedTurn != nil {
		confirmSetting(c, m.BankedTurnMode(), *p.BankedTurn)
	}
	return nil
}

func (c *controller) applyFollowMeState(p link.TrackingState) error {
	if c.followMe == nil {
		return errUnsupported
	}
	st, err := itfStates.parse(p.State)
	if err != nil {
		return err
	}
	avail, err := parseIssues(p.AvailabilityIssues)
	if err != nil {
		return err
	}
	quality, err := parseIssues(p.QualityIssues)
	if err != nil {
		return err
	}
	behavior := pilotingitf.BehaviorInactive
	if p.Behavior != "" {
		if behavior, err = followBehaviors.parse(p.Behavior); err != nil {
			return err
		}
	}
	var mode pilotingitf.FollowMode
	if p.Mode != nil {
		if mode, err = followModes.parse(*p.Mode); err != nil {
			return err
		}
	}

	u := c.followMe.Update()
	u.State(st).AvailabilityIssues(avail...).QualityIssues(quality...)
	u.Behavior(behavior).Commit()
	if p.Mode != nil {
		confirmSetting(c, c.followMe.Mode(), mode)
	}
	return nil
}

func (c *controller) applyLookAtState(p link.TrackingState) error {
	if c.lookAt == nil {
		return errUnsupported
	}
	st, err := itfStates.parse(p.State)
	if err != nil {
		return err
	}
	avail, err := parseIssues(p.AvailabilityIssues)
	if err != nil {
		return err
	}
	quality, err := parseIssues(p.QualityIssues)
	if err != nil {
		return err
	}
	c.lookAt.Update().State(st).AvailabilityIssues(avail...).QualityIssues(quality...).Commit()
	return nil
}

// rangedRecord is how a bounded setting is persisted.
type rangedRecord[V cmp.Ordered] struct {
	Min   V `json:"min"`
	Max   V `json:"max"`
	Value V `json:"value"`
}

// confirmSetting applies a device echo and persists the new confirmed
// value.
func confirmSetting[V comparable](c *controller, s *setting.Setting[V], v V) {
	changed := s.Confirmed() != v
	s.Confirm(v)
	if changed {
		c.save(s.Name(), v)
	}
}

func confirmRanged[V cmp.Ordered](c *controller, r *setting.Ranged[V], lo, hi, v V) {
	bounds := setting.Bounds[V]{Min: lo, Max: hi}
	changed := r.Confirmed() != v || r.Bounds() != bounds
	r.Update(bounds, v)
	if changed {
		c.save(r.Name(), rangedRecord[V]{Min: lo, Max: hi, Value: v})
	}
}

func (c *controller) save(key string, v any) {
	if err := c.dict.Save(key, v); err != nil {
		c.logger.Error("persist setting", "setting", key, "err", err)
	}
}
