package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fastcon-bridge/internal/controller"
	"fastcon-bridge/internal/fastcon"
	"fastcon-bridge/internal/radio/radiotest"
	"fastcon-bridge/internal/store"
)

const (
	rgbID        = "DMX_aabbcc000001"
	smartID      = "DMX_aabbcc000002"
	discoveredID = "DMX_aabbcc000003"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// seedStore writes a persisted installation with two registered lights and
// one that was discovered but never paired.
func seedStore(t *testing.T, db *store.BoltStore) {
	t.Helper()
	if err := db.SaveControllerState(&store.ControllerState{
		InstallID:     "test-install",
		DeviceAddress: fastcon.DefaultAddress.String(),
		Key:           "11223344",
	}); err != nil {
		t.Fatal(err)
	}
	lights := []*store.Light{
		{Address: "aa:bb:cc:00:00:01", Order: 0, TypeCode: fastcon.LightRGB.Code.String(), Registered: true, Number: 1,
			State: store.LightState{On: true, Brightness: 100}},
		{Address: "aa:bb:cc:00:00:02", Order: 1, TypeCode: fastcon.LightSmart.Code.String(), Registered: true, Number: 2},
		{Address: "aa:bb:cc:00:00:03", Order: 2, TypeCode: fastcon.LightRGBW.Code.String()},
	}
	for _, l := range lights {
		if err := db.SaveLight(l); err != nil {
			t.Fatal(err)
		}
	}
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *radiotest.Fake) {
	t.Helper()
	logger := newTestLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	seedStore(t, db)

	cfg := controller.DefaultConfig()
	cfg.PersistKey = true
	cfg.ControlHold = time.Millisecond
	cfg.DiscoveryWindow = time.Millisecond
	cfg.PairWindow = time.Millisecond
	cfg.SettleDelay = 0

	r := &radiotest.Fake{}
	ctrl, err := controller.New(r, db, controller.NewEventBus(logger), cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctrl.Stop)

	srv := NewServer(ctrl, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, r
}

func doRequest(t *testing.T, srv *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAPIListLights(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/lights", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	lights := decode[[]controller.LightDevice](t, w)
	if len(lights) != 3 {
		t.Fatalf("got %d lights, want 3", len(lights))
	}
	want := []struct {
		id           string
		typ          string
		registration controller.RegistrationState
	}{
		{rgbID, "rgb", controller.Registered},
		{smartID, "smart", controller.Registered},
		{discoveredID, "rgbw", controller.Discovered},
	}
	for i, w := range want {
		if lights[i].ID != w.id || lights[i].Type != w.typ || lights[i].Registration != w.registration {
			t.Errorf("light %d = %s/%s/%s, want %s/%s/%s", i,
				lights[i].ID, lights[i].Type, lights[i].Registration, w.id, w.typ, w.registration)
		}
	}
	if got := strings.Join(lights[0].Capabilities, ","); got != "onoff,brightness,rgb" {
		t.Errorf("rgb capabilities = %s", got)
	}
}

func TestAPIGetLight(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/lights/"+rgbID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	d := decode[controller.LightDevice](t, w)
	if d.Name != "Light_"+rgbID || d.Number != 1 || !d.State.On {
		t.Errorf("light = %+v", d)
	}

	w = doRequest(t, srv, "GET", "/api/lights/DMX_000000000000", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown light status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPISetLightState(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		body     string
		wantCode int
		wantAdv  int
	}{
		{"off", rgbID, `{"state":"off","brightness":50}`, http.StatusOK, 1},
		{"bare on", smartID, `{"state":"ON"}`, http.StatusOK, 1},
		{"colour and brightness", rgbID, `{"brightness":20,"rgb":[255,0,10]}`, http.StatusOK, 2},
		{"unknown light", "DMX_000000000000", `{"state":"on"}`, http.StatusNotFound, 0},
		{"not registered", discoveredID, `{"state":"on"}`, http.StatusNotFound, 0},
		{"not capable", smartID, `{"rgb":[1,2,3]}`, http.StatusBadRequest, 0},
		{"brightness range", rgbID, `{"brightness":128}`, http.StatusBadRequest, 0},
		{"rgb range", rgbID, `{"rgb":[256,0,0]}`, http.StatusBadRequest, 0},
		{"bad state", rgbID, `{"state":"toggle"}`, http.StatusBadRequest, 0},
		{"empty", rgbID, `{}`, http.StatusBadRequest, 0},
		{"bad json", rgbID, `{`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, r := setupTestServer(t)
			w := doRequest(t, srv, "POST", "/api/lights/"+tt.id+"/state", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if got := len(r.Advertised()); got != tt.wantAdv {
				t.Errorf("advertised %d commands, want %d", got, tt.wantAdv)
			}
		})
	}
}

func TestAPISetLightStateReturnsAppliedState(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := doRequest(t, srv, "POST", "/api/lights/"+rgbID+"/state", `{"brightness":20,"rgb":[255,0,10]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	d := decode[controller.LightDevice](t, w)
	if d.State.Brightness != 20 || d.State.RGB != [3]uint8{255, 0, 10} || d.State.ColorMode != "rgb" || !d.State.On {
		t.Errorf("state = %+v", d.State)
	}
}

func TestAPIController(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := doRequest(t, srv, "GET", "/api/controller", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	info := decode[controllerInfo](t, w)
	if info.InstallID != "test-install" {
		t.Errorf("install_id = %q", info.InstallID)
	}
	if info.KeyFingerprint != "11****44" {
		t.Errorf("key_fingerprint = %q", info.KeyFingerprint)
	}
	if info.DeviceAddress != "C1C2C3" {
		t.Errorf("device_address = %q", info.DeviceAddress)
	}
	if info.Lights != 3 || info.Registered != 2 || info.Discovered != 1 {
		t.Errorf("counts = %d/%d/%d", info.Lights, info.Registered, info.Discovered)
	}
	if strings.Contains(w.Body.String(), "11223344") {
		t.Error("response leaks the mesh key")
	}
}

func TestAPIRescan(t *testing.T) {
	srv, r := setupTestServer(t)

	srv.rescan.running.Store(true)
	if w := doRequest(t, srv, "POST", "/api/rescan", ""); w.Code != http.StatusConflict {
		t.Errorf("busy rescan status = %d, want %d", w.Code, http.StatusConflict)
	}
	srv.rescan.running.Store(false)

	w := doRequest(t, srv, "POST", "/api/rescan", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	srv.rescan.wait()
	if r.Scans() == 0 {
		t.Error("rescan did not scan")
	}
	if srv.rescan.running.Load() {
		t.Error("rescan still marked running")
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))
	w := doRequest(t, srv, "GET", "/api/version", "")
	if got := decode[map[string]string](t, w)["version"]; got != "1.2.3" {
		t.Errorf("version = %q", got)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))

	tests := []struct {
		name    string
		path    string
		headers []string
		want    int
	}{
		{"missing key", "/api/lights", nil, http.StatusUnauthorized},
		{"wrong key", "/api/lights", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"right key", "/api/lights", []string{"X-API-Key", "secret"}, http.StatusOK},
		{"not api", "/nothing-here", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := doRequest(t, srv, "GET", tt.path, "", tt.headers...); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestOriginChecks(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://ha.local"}))

	w := doRequest(t, srv, "OPTIONS", "/api/rescan", "", "Origin", "http://ha.local")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://ha.local" {
		t.Errorf("preflight = %d %q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
	}
	if w := doRequest(t, srv, "OPTIONS", "/api/rescan", "", "Origin", "http://evil"); w.Code != http.StatusForbidden {
		t.Errorf("foreign preflight = %d", w.Code)
	}
	if w := doRequest(t, srv, "POST", "/api/lights/"+rgbID+"/state", `{"state":"on"}`, "Origin", "http://evil"); w.Code != http.StatusForbidden {
		t.Errorf("foreign POST = %d", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/lights", "", "Origin", "http://evil"); w.Code != http.StatusOK {
		t.Errorf("foreign GET = %d", w.Code)
	}
}

func TestPlanStateRequest(t *testing.T) {
	ptr := func(v int) *int { return &v }
	tests := []struct {
		name    string
		req     setLightStateRequest
		want    int
		wantErr bool
	}{
		{"off wins", setLightStateRequest{State: "off", Brightness: ptr(10), RGB: &[3]int{1, 2, 3}}, 1, false},
		{"all attributes", setLightStateRequest{Brightness: ptr(10), RGB: &[3]int{1, 2, 3}, ColorTemp: ptr(300)}, 3, false},
		{"bare on", setLightStateRequest{State: "On"}, 1, false},
		{"on with colour", setLightStateRequest{State: "on", ColorTemp: ptr(250)}, 1, false},
		{"negative brightness", setLightStateRequest{Brightness: ptr(-1)}, 0, true},
		{"color temp range", setLightStateRequest{ColorTemp: ptr(0x4000)}, 0, true},
		{"nothing", setLightStateRequest{}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, err := tt.req.plan()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(calls) != tt.want {
				t.Errorf("got %d calls, want %d", len(calls), tt.want)
			}
		})
	}
}

func TestKeyFingerprint(t *testing.T) {
	if got := keyFingerprint(fastcon.MeshKey{0xAB, 0x01, 0x02, 0xCD}); got != "ab****cd" {
		t.Errorf("keyFingerprint = %q", got)
	}
}
