package session

import (
	"cmp"

	"skylink/internal/setting"
	"skylink/internal/store"
)

// seedSettings loads the last confirmed settings of the device so they are
// visible before it connects.
func (c *controller) seedSettings() {
	if c.dict.IsNew() {
		return
	}
	if rh := c.returnHome; rh != nil {
		seedSetting(c, rh.AutoTrigger())
		seedEnum(c, rh.PreferredTarget(), targets.parse)
		seedEnum(c, rh.EndingBehavior(), endingBehaviors.parse)
		seedRanged(c, rh.AutoStartOnDisconnectDelay())
		seedRanged(c, rh.EndingHoveringAltitude())
		seedRanged(c, rh.MinAltitude())
	}
	if m := c.manual; m != nil {
		seedRanged(c, m.MaxPitchRoll())
		seedRanged(c, m.MaxVerticalSpeed())
		seedRanged(c, m.MaxYawRotationSpeed())
		seedSetting(c, m.BankedTurnMode())
	}
	if f := c.followMe; f != nil {
		seedEnum(c, f.Mode(), followModes.parse)
	}
}

func seedSetting[V comparable](c *controller, s *setting.Setting[V]) {
	v, ok, err := store.LoadValue[V](c.dict, s.Name())
	if err != nil {
		c.logger.Warn("load setting", "setting", s.Name(), "err", err)
		return
	}
	if ok {
		s.Load(v)
	}
}

// seedEnum loads a string enum through parse, so a name the current
// release no longer knows is skipped.
func seedEnum[V ~string](c *controller, s *setting.Setting[V], parse func(string) (V, error)) {
	raw, ok, err := store.LoadValue[string](c.dict, s.Name())
	if err == nil && ok {
		var v V
		if v, err = parse(raw); err == nil {
			s.Load(v)
			return
		}
	}
	if err != nil {
		c.logger.Warn("load setting", "setting", s.Name(), "err", err)
	}
}

func seedRanged[V cmp.Ordered](c *controller, r *setting.Ranged[V]) {
	rec, ok, err := store.LoadValue[rangedRecord[V]](c.dict, r.Name())
	if err != nil {
		c.logger.Warn("load setting", "setting", r.Name(), "err", err)
		return
	}
	if !ok || rec.Min > rec.Max {
		return
	}
	r.UpdateBounds(setting.Bounds[V]{Min: rec.Min, Max: rec.Max})
	r.Load(rec.Value)
}
