package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/heating-controller/internal/engine"
	"github.com/sweeney/heating-controller/internal/history"
	"github.com/sweeney/heating-controller/internal/logic"
	"github.com/sweeney/heating-controller/internal/metrics"
	"github.com/sweeney/heating-controller/internal/predict"
	"github.com/sweeney/heating-controller/internal/status"
)

type fakeLearning struct {
	stats map[string]history.Statistics
	ready map[string]bool
}

func (f fakeLearning) RoomStatistics(room string) (history.Statistics, bool) {
	s, ok := f.stats[room]
	return s, ok
}

func (f fakeLearning) ModelInfo(room string) predict.Info {
	return predict.Info{Ready: f.ready[room]}
}

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		UpdateIntervalMs: 60000,
		HeartbeatMs:      900000,
		Broker:           "tcp://192.168.1.200:1883",
		HTTPPort:         ":80",
	}
	tr := status.NewTracker(start, cfg)
	learning := fakeLearning{
		stats: map[string]history.Statistics{"enum.rooms.office": {CycleCount: 12, Confidence: 0.8}},
		ready: map[string]bool{"enum.rooms.office": true},
	}
	m := metrics.New()
	m.Decision("office", "ON", "classic")
	srv := New(":0", tr, learning, m.Handler())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func officeStatus(on bool) engine.RoomStatus {
	temp := 19.5
	return engine.RoomStatus{
		Room:        "office",
		Temperature: &temp,
		Target:      logic.TempTarget{Temp: 21, Until: "18:00"},
		Decision:    "ON",
		Source:      "classic",
		EngineOn:    on,
	}
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(time.Now(), []engine.RoomStatus{officeStatus(true)}, logic.EventCounts{On: 5, Off: 2}, true, "Weather control disabled")
	tr.SetMQTTConnected(true)

	resp := get(t, ts.URL+"/index.json")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.AIEnabled {
		t.Error("expected AIEnabled=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if sj.Status.Counts.EngineOn != 5 {
		t.Errorf("Counts.EngineOn: got %d, want 5", sj.Status.Counts.EngineOn)
	}
	if len(sj.Status.Rooms) != 1 || sj.Status.Rooms[0].Engine != "ON" {
		t.Errorf("Rooms: got %+v", sj.Status.Rooms)
	}
	if sj.Status.Config.UpdateIntervalMs != 60000 {
		t.Errorf("Config.UpdateIntervalMs: got %d, want 60000", sj.Status.Config.UpdateIntervalMs)
	}
}

func TestJSONNotReadyBeforeFirstTick(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := get(t, ts.URL+"/index.json")
	var sj status.StatusJSON
	json.NewDecoder(resp.Body).Decode(&sj)

	if sj.Status.Ready {
		t.Error("expected Ready=false before the first tick")
	}
	if len(sj.Status.Rooms) != 0 {
		t.Errorf("expected no rooms, got %d", len(sj.Status.Rooms))
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	resp := get(t, ts.URL+"/index.json")
	var sj status.StatusJSON
	json.NewDecoder(resp.Body).Decode(&sj)

	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestRoomEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(time.Now(), []engine.RoomStatus{officeStatus(true)}, logic.EventCounts{}, true, "")

	for _, path := range []string{"/rooms/office", "/rooms/enum.rooms.office"} {
		resp := get(t, ts.URL+path)
		if resp.StatusCode != 200 {
			t.Fatalf("%s: status %d, want 200", path, resp.StatusCode)
		}

		var rr RoomResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
		if rr.Room.Room != "office" || rr.Room.Target != 21 {
			t.Errorf("%s: room: got %+v", path, rr.Room)
		}
		if rr.Learning == nil {
			t.Fatalf("%s: expected learning section", path)
		}
		if !rr.Learning.Model.Ready {
			t.Errorf("%s: expected model ready", path)
		}
		if rr.Learning.Statistics == nil || rr.Learning.Statistics.CycleCount != 12 {
			t.Errorf("%s: statistics: got %+v", path, rr.Learning.Statistics)
		}
	}
}

func TestRoomEndpointUnknownRoom(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(time.Now(), []engine.RoomStatus{officeStatus(false)}, logic.EventCounts{}, false, "")

	resp := get(t, ts.URL+"/rooms/kitchen")
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestRoomWithoutLearning(t *testing.T) {
	data := formatRoom(officeStatus(false), nil)

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, exists := raw["learning"]; exists {
		t.Error("learning should be omitted without a learning source")
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(time.Now(), []engine.RoomStatus{officeStatus(true)}, logic.EventCounts{On: 1}, false, "Weather control disabled")

	resp := get(t, ts.URL+"/")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{`href="/rooms/office"`, "19.5°C", "21.0°C until 18:00", `id="engine-office" class="on"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestHTMLEndpointBeforeFirstTick(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := get(t, ts.URL+"/index.html")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "waiting for first evaluation") {
		t.Error("expected placeholder before the first tick")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := get(t, ts.URL+"/metrics")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "heating_decisions_total") {
		t.Error("expected heating_decisions_total in metrics output")
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := get(t, ts.URL+"/nonexistent")
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	tr.Update(time.Now(), []engine.RoomStatus{officeStatus(false)}, logic.EventCounts{}, false, "")
	tr.SetMQTTConnected(true)

	resp := get(t, ts.URL+"/index.json")
	var sj status.StatusJSON
	json.NewDecoder(resp.Body).Decode(&sj)

	if len(sj.Status.Rooms) != 1 || sj.Status.Rooms[0].Engine != "OFF" {
		t.Errorf("Rooms: got %+v", sj.Status.Rooms)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}
