package web

import (
	"cmp"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"skylink/internal/component"
	"skylink/internal/connector"
	"skylink/internal/device"
	"skylink/internal/pilotingitf"
	"skylink/internal/session"
	"skylink/internal/setting"
)

// errRefused reports an action the device or interface did not accept in
// its current state.
var errRefused = errors.New("request refused in current state")

type errUnavailable struct{ name string }

func (e errUnavailable) Error() string { return e.name + " not available" }

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sess.Snapshots())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.sess.Snapshot(r.PathValue("uid"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPIComponents(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.sess.Snapshot(r.PathValue("uid"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Components)
}

type connectorRequest struct {
	Type       string `json:"type"`
	Technology string `json:"technology"`
	UID        string `json:"uid"`
}

type connectRequest struct {
	Connector *connectorRequest `json:"connector"`
	Password  string            `json:"password"`
}

func (r *connectorRequest) resolve() (*connector.Connector, error) {
	if r == nil {
		return nil, nil
	}
	typ, err := connector.ParseType(r.Type)
	if err != nil {
		return nil, err
	}
	if typ == connector.RemoteControl {
		c := connector.NewRemoteControl(r.UID)
		return &c, nil
	}
	tech, err := connector.ParseTechnology(r.Technology)
	if err != nil {
		return nil, err
	}
	c := connector.NewLocal(tech)
	return &c, nil
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	conn, err := req.Connector.resolve()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deviceAction(w, r, func(d *device.Device) bool {
		return d.Connect(conn, req.Password)
	})
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, (*device.Device).Disconnect)
}

func (s *Server) handleAPIForgetDevice(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, (*device.Device).Forget)
}

func (s *Server) handleAPIReturnHomeAction(w http.ResponseWriter, r *http.Request) {
	var action func(*pilotingitf.ReturnHome) bool
	switch r.PathValue("action") {
	case "activate":
		action = (*pilotingitf.ReturnHome).Activate
	case "deactivate":
		action = (*pilotingitf.ReturnHome).Deactivate
	case "cancel-auto-trigger":
		action = (*pilotingitf.ReturnHome).CancelAutoTrigger
	default:
		s.writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	itfAction(s, w, r, pilotingitf.ReturnHomeDesc, action)
}

type returnHomeSettingsRequest struct {
	AutoTrigger                *bool    `json:"auto_trigger"`
	PreferredTarget            *string  `json:"preferred_target"`
	EndingBehavior             *string  `json:"ending_behavior"`
	AutoStartOnDisconnectDelay *int     `json:"auto_start_on_disconnect_delay"`
	EndingHoveringAltitude     *float64 `json:"ending_hovering_altitude"`
	MinAltitude                *float64 `json:"min_altitude"`
	CustomLocation             *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Altitude  float64 `json:"altitude"`
	} `json:"custom_location"`
}

func (s *Server) handleAPIReturnHomeSettings(w http.ResponseWriter, r *http.Request) {
	var req returnHomeSettingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	var target pilotingitf.Target
	var ending pilotingitf.EndingBehavior
	var err error
	if req.PreferredTarget != nil {
		if target, err = session.ParseTarget(*req.PreferredTarget); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.EndingBehavior != nil {
		if ending, err = session.ParseEndingBehavior(*req.EndingBehavior); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var resp returnHomeSettingsResponse
	err = s.sess.Do(r.Context(), r.PathValue("uid"), func(d *device.Device) error {
		rh, ok := component.Get(d.PilotingItfs(), pilotingitf.ReturnHomeDesc)
		if !ok {
			return errUnavailable{pilotingitf.ReturnHomeDesc.Key().Name}
		}
		accepted := make(map[string]bool)
		if req.AutoTrigger != nil {
			accepted["auto_trigger"] = setAccepted(rh.AutoTrigger(), *req.AutoTrigger)
		}
		if req.PreferredTarget != nil {
			accepted["preferred_target"] = setAccepted(rh.PreferredTarget(), target)
		}
		if req.EndingBehavior != nil {
			accepted["ending_behavior"] = setAccepted(rh.EndingBehavior(), ending)
		}
		if req.AutoStartOnDisconnectDelay != nil {
			accepted["auto_start_on_disconnect_delay"] = setRangedAccepted(rh.AutoStartOnDisconnectDelay(), *req.AutoStartOnDisconnectDelay)
		}
		if req.EndingHoveringAltitude != nil {
			accepted["ending_hovering_altitude"] = setRangedAccepted(rh.EndingHoveringAltitude(), *req.EndingHoveringAltitude)
		}
		if req.MinAltitude != nil {
			accepted["min_altitude"] = setRangedAccepted(rh.MinAltitude(), *req.MinAltitude)
		}
		// Needs a confirmed custom_location target, so it is refused when
		// sent together with the target change.
		if l := req.CustomLocation; l != nil {
			accepted["custom_location"] = rh.SetCustomLocation(l.Latitude, l.Longitude, l.Altitude)
		}
		resp = returnHomeSettingsResponse{Device: session.SnapshotOf(d), Accepted: accepted}
		return nil
	})
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// returnHomeSettingsResponse reports, per requested setting, whether the
// device link took the request. Refused settings keep their value.
type returnHomeSettingsResponse struct {
	Device   session.DeviceSnapshot `json:"device"`
	Accepted map[string]bool        `json:"accepted"`
}

// setAccepted requests v and reports whether the setting now exposes it.
func setAccepted[V comparable](st *setting.Setting[V], v V) bool {
	return st.Set(v) == v
}

func setRangedAccepted[V cmp.Ordered](st *setting.Ranged[V], v V) bool {
	want := st.Bounds().Clamp(v)
	return st.Set(v) == want
}

func (s *Server) handleAPISmartTakeOffLand(w http.ResponseWriter, r *http.Request) {
	itfAction(s, w, r, pilotingitf.ManualCopterDesc, (*pilotingitf.ManualCopter).SmartTakeOffLand)
}

type guidedLocationRequest struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    float64 `json:"altitude"`
	Orientation string  `json:"orientation"`
	Heading     float64 `json:"heading"`
}

func (s *Server) handleAPIGuidedLocation(w http.ResponseWriter, r *http.Request) {
	var req guidedLocationRequest
	if !s.decode(w, r, &req) {
		return
	}
	o, err := session.ParseOrientation(req.Orientation, req.Heading)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	itfAction(s, w, r, pilotingitf.GuidedDesc, func(g *pilotingitf.Guided) bool {
		return g.MoveToLocation(req.Latitude, req.Longitude, req.Altitude, o)
	})
}

type guidedRelativeRequest struct {
	Forward float64 `json:"forward"`
	Right   float64 `json:"right"`
	Down    float64 `json:"down"`
	Heading float64 `json:"heading"`
}

func (s *Server) handleAPIGuidedRelative(w http.ResponseWriter, r *http.Request) {
	var req guidedRelativeRequest
	if !s.decode(w, r, &req) {
		return
	}
	itfAction(s, w, r, pilotingitf.GuidedDesc, func(g *pilotingitf.Guided) bool {
		return g.MoveToRelativePosition(req.Forward, req.Right, req.Down, req.Heading)
	})
}

// deviceAction runs fn on device {uid} and answers 202 when it was accepted.
func (s *Server) deviceAction(w http.ResponseWriter, r *http.Request, fn func(*device.Device) bool) {
	err := s.sess.Do(r.Context(), r.PathValue("uid"), func(d *device.Device) error {
		if !fn(d) {
			return errRefused
		}
		return nil
	})
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// itfAction runs fn on the published component desc of device {uid}.
func itfAction[T component.Component](s *Server, w http.ResponseWriter, r *http.Request, desc component.Descriptor[T], fn func(T) bool) {
	s.deviceAction(w, r, func(d *device.Device) bool {
		itf, ok := component.Get(d.PilotingItfs(), desc)
		return ok && fn(itf)
	})
}

func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	var unavailable errUnavailable
	switch {
	case errors.Is(err, session.ErrUnknownDevice):
		s.writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, errRefused), errors.As(err, &unavailable):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("device action", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
