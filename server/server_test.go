package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/afsc-mace/trawlcam/acquire"
	"github.com/afsc-mace/trawlcam/camera"
	"github.com/afsc-mace/trawlcam/config"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	life := acquire.New(cfg, &camera.MockSystem{})
	s := New(cfg.Server, life)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.RunHub(ctx)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads websocket messages until one with the wanted event name
// arrives; connection and state chatter may precede it.
func readEvent(t *testing.T, conn *websocket.Conn, want string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s event: %v", want, err)
		}
		var ev map[string]interface{}
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad event %q: %v", msg, err)
		}
		if ev["event"] == want {
			return ev
		}
	}
}

func waitForClient(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStateEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body struct {
		State   string `json:"state"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.State != "starting" {
		t.Errorf("state = %q", body.State)
	}
}

func TestCaptureEventsReachClients(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialEvents(t, ts)
	waitForClient(t, s)

	s.ImageCaptured(7, "cam-left", "000007_x.fits")
	ev := readEvent(t, conn, "imageCaptured")
	if ev["camera"] != "cam-left" || ev["number"].(float64) != 7 {
		t.Errorf("event = %v", ev)
	}

	s.ImageDropped(8, "cam-right")
	ev = readEvent(t, conn, "imageDropped")
	if ev["camera"] != "cam-right" {
		t.Errorf("event = %v", ev)
	}

	s.ParameterData("getRTC", []float64{2026, 8, 28})
	ev = readEvent(t, conn, "parameterChanged")
	if ev["parameter"] != "getRTC" {
		t.Errorf("event = %v", ev)
	}
}

func TestFramePreviewIsJPEG(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialEvents(t, ts)
	waitForClient(t, s)

	f := camera.Frame{
		Width:     8,
		Height:    8,
		Pixels:    make([]uint16, 64),
		Timestamp: time.Now(),
	}
	s.EmitFrame("cam-left", 3, f, false)
	ev := readEvent(t, conn, "frame")
	raw, err := base64.StdEncoding.DecodeString(ev["image"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, []byte{0xff, 0xd8}) {
		t.Error("preview is not a JPEG")
	}
}

func TestFramePreviewSkippedWithoutClients(t *testing.T) {
	s, _ := newTestServer(t)
	// nothing to assert beyond it not blocking or panicking
	s.EmitFrame("cam-left", 1, camera.Frame{Width: 2, Height: 2, Pixels: make([]uint16, 4)}, false)
}

func TestSensorIngestBeforeAcquisition(t *testing.T) {
	_, ts := newTestServer(t)
	body := strings.NewReader(`{"header":"$OHPR","data":"1.0,2.0"}`)
	resp, err := http.Post(ts.URL+"/sensor", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 before the lifecycle runs", resp.StatusCode)
	}
}

func TestControllerCommandsWithoutController(t *testing.T) {
	_, ts := newTestServer(t)
	for _, path := range []string{"/controller/request", "/controller/strobe-mode", "/controller/thrusters", "/controller/p2d"} {
		body := strings.NewReader(`{"str":"getRTC","int":1,"one":1500,"two":1500}`)
		resp, err := http.Post(ts.URL+path, "application/json", body)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, resp.StatusCode)
		}
	}
}
