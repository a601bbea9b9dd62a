package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"fastcon-bridge/internal/controller"
	"fastcon-bridge/internal/fastcon"
)

func (s *Server) handleAPIListLights(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Lights())
}

func (s *Server) handleAPIGetLight(w http.ResponseWriter, r *http.Request) {
	d, err := s.ctrl.Light(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "light not found")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

type setLightStateRequest struct {
	State      string  `json:"state"`
	Brightness *int    `json:"brightness"`
	RGB        *[3]int `json:"rgb"`
	ColorTemp  *int    `json:"color_temp"`
}

// lightCall is one controller call derived from a state request.
type lightCall func(ctx context.Context, c *controller.Controller, id string) error

// plan validates req and turns it into controller calls. "off" wins over
// every other field; a bare "on" switches the light on.
func (req setLightStateRequest) plan() ([]lightCall, error) {
	state := strings.ToLower(req.State)
	switch state {
	case "", "on", "off":
	default:
		return nil, fmt.Errorf("state must be \"on\" or \"off\"")
	}
	if state == "off" {
		return []lightCall{func(ctx context.Context, c *controller.Controller, id string) error {
			return c.SetState(ctx, id, false)
		}}, nil
	}

	var calls []lightCall
	if req.Brightness != nil {
		b := *req.Brightness
		if b < 0 || b > fastcon.MaxBrightness {
			return nil, fmt.Errorf("brightness must be 0..%d", fastcon.MaxBrightness)
		}
		calls = append(calls, func(ctx context.Context, c *controller.Controller, id string) error {
			return c.SetBrightness(ctx, id, uint8(b))
		})
	}
	if req.RGB != nil {
		rgb := *req.RGB
		for _, v := range rgb {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("rgb components must be 0..255")
			}
		}
		calls = append(calls, func(ctx context.Context, c *controller.Controller, id string) error {
			return c.SetRGB(ctx, id, uint8(rgb[0]), uint8(rgb[1]), uint8(rgb[2]))
		})
	}
	if req.ColorTemp != nil {
		t := *req.ColorTemp
		if t < 0 || t > 0x3FFF {
			return nil, fmt.Errorf("color_temp must be 0..%d", 0x3FFF)
		}
		calls = append(calls, func(ctx context.Context, c *controller.Controller, id string) error {
			return c.SetColorTemperature(ctx, id, uint16(t))
		})
	}
	if len(calls) == 0 {
		if state != "on" {
			return nil, fmt.Errorf("empty request")
		}
		calls = append(calls, func(ctx context.Context, c *controller.Controller, id string) error {
			return c.SetState(ctx, id, true)
		})
	}
	return calls, nil
}

func (s *Server) handleAPISetLightState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ctrl.Light(id); err != nil {
		s.writeError(w, http.StatusNotFound, "light not found")
		return
	}

	var req setLightStateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	calls, err := req.plan()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, call := range calls {
		if err := call(r.Context(), s.ctrl, id); err != nil {
			switch {
			case errors.Is(err, controller.ErrLightNotFound):
				s.writeError(w, http.StatusNotFound, "light not registered")
			case errors.Is(err, controller.ErrNotCapable):
				s.writeError(w, http.StatusBadRequest, err.Error())
			default:
				s.logger.Error("light command", "id", id, "err", err)
				s.writeError(w, http.StatusBadGateway, "radio error")
			}
			return
		}
	}

	d, err := s.ctrl.Light(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "light not found")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// rescanner runs at most one discovery and pairing pass at a time.
type rescanner struct {
	running atomic.Bool
	wg      sync.WaitGroup
}

func (r *rescanner) start(fn func()) bool {
	if !r.running.CompareAndSwap(false, true) {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		fn()
	}()
	return true
}

func (r *rescanner) wait() {
	r.wg.Wait()
}

func (s *Server) handleAPIRescan(w http.ResponseWriter, r *http.Request) {
	started := s.rescan.start(func() {
		res, err := s.ctrl.DiscoverAndPairAll(s.ctrl.Context())
		if err != nil {
			s.logger.Warn("rescan failed", "err", err)
			return
		}
		s.logger.Info("rescan finished", "discovered", res.Discovered, "paired", res.Paired)
	})
	if !started {
		s.writeError(w, http.StatusConflict, "rescan already running")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type controllerInfo struct {
	InstallID      string `json:"install_id"`
	DeviceAddress  string `json:"device_address"`
	KeyFingerprint string `json:"key_fingerprint"`
	Sequence       uint8  `json:"sequence"`
	Lights         int    `json:"lights"`
	Registered     int    `json:"registered"`
	Discovered     int    `json:"discovered"`
	Rescanning     bool   `json:"rescanning"`
}

func (s *Server) handleAPIController(w http.ResponseWriter, r *http.Request) {
	reg := s.ctrl.Registry()
	s.writeJSON(w, http.StatusOK, controllerInfo{
		InstallID:      s.ctrl.InstallID(),
		DeviceAddress:  s.ctrl.Config().Address.String(),
		KeyFingerprint: keyFingerprint(s.ctrl.Key()),
		Sequence:       s.ctrl.Sequence(),
		Lights:         reg.Len(),
		Registered:     reg.Count(controller.Registered),
		Discovered:     reg.Count(controller.Discovered),
		Rescanning:     s.rescan.running.Load(),
	})
}

// keyFingerprint shows the first and last key byte only.
func keyFingerprint(k fastcon.MeshKey) string {
	return fmt.Sprintf("%02x****%02x", k[0], k[fastcon.KeySize-1])
}
