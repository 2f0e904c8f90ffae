package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"skylink/internal/component"
	"skylink/internal/connector"
	"skylink/internal/device"
	"skylink/internal/link"
	"skylink/internal/pilotingitf"
	"skylink/internal/store"
)

// controller drives one device: its link, its components and its
// persisted settings. Every method runs on the session loop.
type controller struct {
	s          *Session
	dev        *device.Device
	dict       store.Dictionary
	configured bool
	logger     *slog.Logger

	link       link.Link
	attempt    uint64
	cancelOpen context.CancelFunc
	backlog    []link.Event

	returnHome *pilotingitf.ReturnHome
	guided     *pilotingitf.Guided
	manual     *pilotingitf.ManualCopter
	followMe   *pilotingitf.FollowMe
	lookAt     *pilotingitf.LookAt

	subs []*component.Subscription
}

func newController(s *Session, dev *device.Device, configured bool) *controller {
	c := &controller{
		s:          s,
		dev:        dev,
		dict:       s.store.Dictionary(dev.UID()),
		configured: configured,
		logger:     s.logger.With("uid", dev.UID()),
	}
	if dev.Model().IsDrone() {
		env := s.settingEnv()
		itfs := dev.PilotingItfs()
		c.returnHome = pilotingitf.NewReturnHome(itfs, env, &returnHomeBackend{c})
		c.guided = pilotingitf.NewGuided(itfs, &guidedBackend{c})
		c.manual = pilotingitf.NewManualCopter(itfs, env, &manualBackend{c})
		c.followMe = pilotingitf.NewFollowMe(itfs, env, &followMeBackend{c})
		c.lookAt = pilotingitf.NewLookAt(itfs, &activationBackend{c: c, target: link.TargetLookAt})
	}
	return c
}

// start seeds settings from the dictionary and publishes the components
// usable offline.
func (c *controller) start() {
	for _, st := range []*component.Store{c.dev.Instruments(), c.dev.Peripherals(), c.dev.PilotingItfs()} {
		c.subs = append(c.subs, st.OnChange(c.onComponentChange(st)))
	}
	c.seedSettings()
	c.publishOffline()
}

// stop detaches the controller before the device is destroyed.
func (c *controller) stop() {
	c.closeLink()
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
}

func (c *controller) onComponentChange(st *component.Store) func(component.Key) {
	return func(key component.Key) {
		comp, ok := st.Lookup(key)
		ev := ComponentChange{UID: c.dev.UID(), Kind: key.Kind.String(), Name: key.Name, Published: ok}
		if ok {
			ev.State = componentState(comp)
		}
		c.s.events.Emit(Event{Type: EventComponentChanged, Data: ev})
		c.s.metrics.SetPublishedComponents(c.dev.UID(), key.Kind.String(), len(st.Published()))
	}
}

// online lists every component published while connected.
func (c *controller) online() []component.Component {
	if !c.dev.Model().IsDrone() {
		return nil
	}
	return []component.Component{c.returnHome, c.guided, c.manual, c.followMe, c.lookAt}
}

// offline lists the components kept published while disconnected, so their
// last known settings stay visible.
func (c *controller) offline() []component.Component {
	if !c.dev.Model().IsDrone() || c.dict.IsNew() {
		return nil
	}
	return []component.Component{c.returnHome, c.manual}
}

func (c *controller) publishOffline() {
	for _, comp := range c.offline() {
		comp.Publish()
	}
}

// Connect implements device.Delegate.
func (c *controller) Connect(conn connector.Connector, password string) bool {
	l, err := c.s.dialer.Dial(c.dev.UID(), conn)
	if err != nil {
		c.logger.Warn("no link for connector", "connector", conn, "err", err)
		return false
	}

	c.attempt++
	gen := c.attempt
	c.link = l
	c.backlog = nil
	loop := c.s.loop
	l.OnEvent(func(e link.Event) {
		loop.Post(func() { c.handleEvent(gen, e) })
	})
	l.OnClosed(func(err error) {
		loop.Post(func() { c.linkLost(gen, err) })
	})

	c.dev.UpdateState().
		ConnectionState(device.Connecting, device.CauseNone).
		ActiveConnector(&conn).
		Commit()
	c.logger.Info("connecting", "connector", conn)

	ctx, cancel := context.WithTimeout(context.Background(), c.s.opts.ConnectTimeout)
	c.cancelOpen = cancel
	go func() {
		err := l.Open(ctx, password)
		cancel()
		if !loop.Post(func() { c.opened(gen, l, conn, err) }) {
			l.Close()
		}
	}()
	return true
}

func (c *controller) opened(gen uint64, l link.Link, conn connector.Connector, err error) {
	if gen != c.attempt {
		// The attempt was abandoned while the link was still dialing, so
		// closeLink had nothing to close yet.
		if err == nil {
			if cerr := l.Close(); cerr != nil {
				c.logger.Debug("close stale link", "err", cerr)
			}
		}
		return
	}
	c.cancelOpen = nil
	tech := string(conn.Technology)
	if err != nil {
		cause := device.CauseFailure
		switch {
		case errors.Is(err, link.ErrBadPassword):
			cause = device.CauseBadPassword
		case errors.Is(err, link.ErrRefused):
			cause = device.CauseRefused
		}
		c.logger.Warn("connection failed", "connector", conn, "err", err)
		c.s.metrics.RecordConnection(tech, string(cause))
		c.closeLink()
		c.dev.UpdateState().
			ConnectionState(device.Disconnected, cause).
			ActiveConnector(nil).
			Commit()
		return
	}

	c.s.metrics.RecordConnection(tech, "success")
	c.persistRecord(conn)
	for _, comp := range c.online() {
		comp.Publish()
	}
	c.dev.UpdateState().
		ConnectionState(device.Connected, device.CauseNone).
		Persisted(true).
		Commit()
	c.logger.Info("connected", "connector", conn)

	backlog := c.backlog
	c.backlog = nil
	for _, e := range backlog {
		c.dispatch(e)
	}
}

// Disconnect implements device.Delegate.
func (c *controller) Disconnect() bool {
	c.disconnect(device.CauseUserRequested)
	return true
}

func (c *controller) disconnect(cause device.Cause) {
	switch c.dev.State().ConnectionState {
	case device.Connecting:
		c.closeLink()
		c.dev.UpdateState().
			ConnectionState(device.Disconnected, cause).
			ActiveConnector(nil).
			Commit()
	case device.Connected:
		c.dev.UpdateState().ConnectionState(device.Disconnecting, cause).Commit()
		c.teardown()
		c.closeLink()
		c.dev.UpdateState().
			ConnectionState(device.Disconnected, cause).
			ActiveConnector(nil).
			Commit()
		c.logger.Info("disconnected", "cause", cause)
	}
}

func (c *controller) linkLost(gen uint64, err error) {
	if gen != c.attempt || c.dev.State().ConnectionState != device.Connected {
		return
	}
	c.logger.Warn("link lost", "err", err)
	if a := c.dev.State().ActiveConnector; a != nil {
		c.s.metrics.RecordConnectionLost(string(a.Technology))
	}
	c.dev.UpdateState().ConnectionState(device.Disconnecting, device.CauseConnectionLost).Commit()
	c.teardown()
	c.closeLink()
	c.dev.UpdateState().
		ConnectionState(device.Disconnected, device.CauseConnectionLost).
		ActiveConnector(nil).
		Commit()
}

// teardown unpublishes every component, which cancels pending setting
// rollbacks and drops piloting interfaces to UNAVAILABLE, then brings back
// the offline ones.
func (c *controller) teardown() {
	c.backlog = nil
	c.dev.UnpublishAll()
	c.publishOffline()
}

// closeLink drops the current link. Results still in flight for it are
// ignored afterwards.
func (c *controller) closeLink() {
	c.attempt++
	if c.cancelOpen != nil {
		c.cancelOpen()
		c.cancelOpen = nil
	}
	if c.link != nil {
		if err := c.link.Close(); err != nil {
			c.logger.Debug("close link", "err", err)
		}
		c.link = nil
	}
}

// shutdown is used when the process stops.
func (c *controller) shutdown() {
	c.disconnect(device.CauseUserRequested)
	c.closeLink()
}

// Forget implements device.Delegate.
func (c *controller) Forget() bool {
	c.disconnect(device.CauseUserRequested)
	c.dev.UnpublishAll()
	if err := c.dict.Clear(); err != nil {
		c.logger.Error("clear settings", "err", err)
	}
	if err := c.s.store.DeleteDevice(c.dev.UID()); err != nil {
		c.logger.Error("delete device record", "err", err)
	}
	c.logger.Info("device forgotten")
	if c.configured {
		c.dev.UpdateState().Persisted(false).Commit()
		return true
	}
	c.s.removeDevice(c.dev.UID())
	return true
}

func (c *controller) persistRecord(conn connector.Connector) {
	now := time.Now()
	err := c.s.store.UpdateDevice(c.dev.UID(), func(rec *store.DeviceRecord) error {
		fillRecord(rec, c.dev, conn)
		rec.LastConnected = now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		rec := &store.DeviceRecord{UID: c.dev.UID(), AddedAt: now, LastConnected: now}
		fillRecord(rec, c.dev, conn)
		err = c.s.store.SaveDevice(rec)
	}
	if err != nil {
		c.logger.Error("save device record", "err", err)
	}
}

func fillRecord(rec *store.DeviceRecord, dev *device.Device, conn connector.Connector) {
	info := dev.Info()
	rec.Model = string(info.Model)
	rec.Name = info.Name
	rec.FirmwareVersion = info.FirmwareVersion
	rec.BoardID = info.BoardID
	cr := connectorRecord(conn)
	for _, existing := range rec.Connectors {
		if existing == cr {
			return
		}
	}
	rec.Connectors = append(rec.Connectors, cr)
}

// updateRecord refreshes the descriptive fields of a persisted device.
func (c *controller) updateRecord() {
	if !c.dev.State().Persisted {
		return
	}
	info := c.dev.Info()
	err := c.s.store.UpdateDevice(c.dev.UID(), func(rec *store.DeviceRecord) error {
		rec.Name = info.Name
		rec.FirmwareVersion = info.FirmwareVersion
		rec.BoardID = info.BoardID
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("update device record", "err", err)
	}
}

// send hands a command to the link. It fails when the device is not
// connected.
func (c *controller) send(target link.Feature, name string, args map[string]any) bool {
	if c.link == nil || c.dev.State().ConnectionState != device.Connected {
		return false
	}
	ok := c.link.Send(link.NewCommand(target, name, args))
	c.s.metrics.RecordCommand(string(target), ok)
	if !ok {
		c.logger.Debug("command refused by link", "feature", target, "command", name)
	}
	return ok
}
