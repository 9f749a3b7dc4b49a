package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/platform/platformtest"
	"kasa-go-home/internal/store"
)

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *platformtest.Hub) {
	t.Helper()
	h := platformtest.NewHub(t)
	srv := NewServer(h.Hub, h.Logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, h
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAPIListEntries(t *testing.T) {
	srv, h := setupTestServer(t)
	h.Load(t, "Living room", platformtest.NewEntity("switch", "plug1", "", platform.StateOn, nil))
	h.Load(t, "Bedroom")

	w := do(t, srv, "GET", "/api/entries", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	entries := decode[[]entryView](t, w)
	if len(entries) != 2 {
		t.Fatalf("entry count = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.State != platform.EntryLoaded {
			t.Errorf("entry %q state = %q, want loaded", e.Title, e.State)
		}
		if e.Domain != platformtest.Domain {
			t.Errorf("entry %q domain = %q", e.Title, e.Domain)
		}
	}

	w = do(t, srv, "GET", "/api/entries?domain=tplink", "")
	if got := decode[[]entryView](t, w); len(got) != 0 {
		t.Errorf("filtered entries = %d, want 0", len(got))
	}
}

func TestAPIGetEntry(t *testing.T) {
	srv, h := setupTestServer(t)
	entry := h.Load(t, "Living room")

	w := do(t, srv, "GET", "/api/entries/"+entry.EntryID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := decode[entryView](t, w); got.Title != "Living room" || got.Version != 1 {
		t.Errorf("entry = %+v", got)
	}

	w = do(t, srv, "GET", "/api/entries/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing entry: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIReloadEntry(t *testing.T) {
	srv, h := setupTestServer(t)
	plug := platformtest.NewEntity("switch", "plug1", "", platform.StateOn, nil)
	entry := h.Load(t, "Living room", plug)

	w := do(t, srv, "POST", "/api/entries/"+entry.EntryID+"/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := decode[entryView](t, w); got.State != platform.EntryLoaded {
		t.Errorf("state after reload = %q, want loaded", got.State)
	}
	if _, ok := h.States.Get(plug.EntityID()); !ok {
		t.Error("entity state missing after reload")
	}

	w = do(t, srv, "POST", "/api/entries/missing/reload", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing entry: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIDeleteEntry(t *testing.T) {
	srv, h := setupTestServer(t)
	plug := platformtest.NewEntity("switch", "plug1", "", platform.StateOn, nil)
	entry := h.Load(t, "Living room", plug)

	w := do(t, srv, "DELETE", "/api/entries/"+entry.EntryID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	if _, ok := h.Entries.Get(entry.EntryID); ok {
		t.Error("entry still present")
	}
	if _, ok := h.Entities.Get(plug.EntityID()); ok {
		t.Error("entity registry record still present")
	}
	if len(h.Devices.List()) != 0 {
		t.Errorf("devices = %d, want 0", len(h.Devices.List()))
	}

	w = do(t, srv, "DELETE", "/api/entries/"+entry.EntryID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRegistries(t *testing.T) {
	srv, h := setupTestServer(t)
	plug := platformtest.NewEntity("switch", "plug1", "", platform.StateOn, nil)
	led := platformtest.NewEntity("switch", "plug1_led", "LED", platform.StateOff, nil).
		WithCategory(platform.CategoryConfig)
	h.Load(t, "Living room", plug, led)

	w := do(t, srv, "GET", "/api/entities", "")
	entities := decode[[]store.EntityEntry](t, w)
	if len(entities) != 2 {
		t.Fatalf("entity count = %d, want 2", len(entities))
	}
	for _, e := range entities {
		if e.Platform != platformtest.Domain || e.ConfigEntryID == "" {
			t.Errorf("entity = %+v", e)
		}
	}

	w = do(t, srv, "GET", "/api/devices", "")
	devices := decode[[]store.DeviceEntry](t, w)
	if len(devices) != 2 {
		t.Errorf("device count = %d, want 2", len(devices))
	}
}

func TestAPIEmptyListsAreArrays(t *testing.T) {
	srv, _ := setupTestServer(t)
	for _, path := range []string{"/api/entries", "/api/entities", "/api/devices", "/api/states", "/api/flows", "/api/automations"} {
		w := do(t, srv, "GET", path, "")
		if got := strings.TrimSpace(w.Body.String()); got != "[]" {
			t.Errorf("GET %s = %s, want []", path, got)
		}
	}
}

func TestAPIStates(t *testing.T) {
	srv, h := setupTestServer(t)
	power := platformtest.NewEntity("sensor", "plug1_power", "Power", "12.5", map[string]any{"unit_of_measurement": "W"})
	h.Load(t, "Living room", power)

	w := do(t, srv, "GET", "/api/states", "")
	states := decode[[]platform.State](t, w)
	if len(states) != 1 || states[0].State != "12.5" {
		t.Fatalf("states = %+v", states)
	}

	w = do(t, srv, "GET", "/api/states/"+power.EntityID(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	st := decode[platform.State](t, w)
	if st.Attributes["unit_of_measurement"] != "W" {
		t.Errorf("attributes = %v", st.Attributes)
	}

	w = do(t, srv, "GET", "/api/states/sensor.missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing state: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPICallService(t *testing.T) {
	srv, h := setupTestServer(t)
	bulb := platformtest.NewEntity("light", "bulb1", "", platform.StateOff, nil)
	h.Load(t, "Hall", bulb)

	body := `{"entity_id":"` + bulb.EntityID() + `","data":{"brightness":200}}`
	w := do(t, srv, "POST", "/api/services/turn_on", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	if st := decode[platform.State](t, w); st.State != platform.StateOn {
		t.Errorf("state = %q, want on", st.State)
	}
	calls := bulb.Calls()
	if len(calls) != 1 || calls[0].Data["brightness"] != 200.0 {
		t.Errorf("calls = %+v", calls)
	}

	tests := []struct {
		name    string
		service string
		body    string
		want    int
	}{
		{"unknown entity", "turn_on", `{"entity_id":"light.missing"}`, http.StatusNotFound},
		{"unsupported service", "open_cover", `{"entity_id":"` + bulb.EntityID() + `"}`, http.StatusBadRequest},
		{"missing entity_id", "turn_on", `{}`, http.StatusBadRequest},
		{"bad body", "turn_on", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "POST", "/api/services/"+tt.service, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIFlows(t *testing.T) {
	srv, h := setupTestServer(t)
	h.Load(t, "Existing")

	w := do(t, srv, "POST", "/api/flows", `{"handler":"`+platformtest.Domain+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	started := decode[struct {
		Flow   platform.Flow       `json:"flow"`
		Result platform.FlowResult `json:"result"`
	}](t, w)
	if started.Result.Type != platform.ResultForm || started.Flow.Source != platform.SourceUser {
		t.Fatalf("started = %+v", started)
	}

	w = do(t, srv, "GET", "/api/flows", "")
	if flows := decode[[]platform.Flow](t, w); len(flows) != 1 {
		t.Fatalf("flows = %+v", flows)
	}

	// A form error keeps the flow open.
	w = do(t, srv, "POST", "/api/flows/"+started.Flow.FlowID, `{}`)
	if res := decode[platform.FlowResult](t, w); res.Type != platform.ResultForm || res.Errors["title"] == "" {
		t.Fatalf("result = %+v", res)
	}

	w = do(t, srv, "POST", "/api/flows/"+started.Flow.FlowID, `{"title":"New"}`)
	res := decode[platform.FlowResult](t, w)
	if res.Type != platform.ResultCreateEntry || res.EntryID == "" {
		t.Fatalf("result = %+v", res)
	}
	if e, ok := h.Entries.Get(res.EntryID); !ok || e.Title() != "New" {
		t.Errorf("created entry missing")
	}
	if len(h.Flows.InProgress("", "")) != 0 {
		t.Error("flow should be finished")
	}

	w = do(t, srv, "POST", "/api/flows/"+started.Flow.FlowID, `{"title":"Again"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("finished flow: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIStartFlowUnknownHandler(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv, "POST", "/api/flows", `{"handler":"hue"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIAbortFlow(t *testing.T) {
	srv, h := setupTestServer(t)
	flow, _ := h.Flows.Start(platformtest.Domain, platform.SourceReauth, "entry1", "", nil)

	w := do(t, srv, "DELETE", "/api/flows/"+flow.FlowID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, ok := h.Flows.Get(flow.FlowID); ok {
		t.Error("flow still open")
	}
	w = do(t, srv, "DELETE", "/api/flows/"+flow.FlowID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second abort: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))
	w := do(t, srv, "GET", "/api/version", "")
	if got := decode[map[string]string](t, w); got["version"] != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", got["version"])
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	req := httptest.NewRequest("GET", "/api/entries", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	w := do(t, srv, "GET", "/api/entries", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	req := httptest.NewRequest("GET", "/api/entries", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://panel.local"}))

	tests := []struct {
		name   string
		method string
		origin string
		want   int
	}{
		{"preflight allowed", "OPTIONS", "http://panel.local", http.StatusNoContent},
		{"preflight denied", "OPTIONS", "http://evil.example", http.StatusForbidden},
		{"mutating denied", "POST", "http://evil.example", http.StatusForbidden},
		{"read from any origin", "GET", "http://evil.example", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/api/entries"
			if tt.method == "POST" {
				path = "/api/flows"
			}
			req := httptest.NewRequest(tt.method, path, bytes.NewBufferString(`{}`))
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
