/*Package server exposes the acquisition process over HTTP and WebSocket.

The REST surface is small: system state, sensor ingest, and controller
commands.  Everything that happens during acquisition (captured images,
drops, cycle completions, frame previews, controller state and parameter
changes) is pushed as JSON events to every websocket client, so a deck box
UI can follow a deployment live without polling.
*/
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"

	"github.com/afsc-mace/trawlcam/acquire"
	"github.com/afsc-mace/trawlcam/camera"
	"github.com/afsc-mace/trawlcam/config"
	"github.com/afsc-mace/trawlcam/controller"
	"github.com/afsc-mace/trawlcam/imgwriter"
)

const previewQuality = 75

// Server is the telemetry/control surface.  It implements the trigger
// package's Notifier and Emitter and the acquire package's Observer, so the
// daemon wires one value into all three seats.
type Server struct {
	cfg  config.Server
	life *acquire.Lifecycle
	hub  *Hub

	upgrader websocket.Upgrader

	mu        sync.Mutex
	lifeState acquire.State
	ctrlState controller.State
}

// New builds a server over a lifecycle.  Call ListenAndServe to start it.
func New(cfg config.Server, life *acquire.Lifecycle) *Server {
	return &Server{
		cfg:  cfg,
		life: life,
		hub:  NewHub(),
		// the deck box UI is served from file:// or another host
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ctrlState: controller.State(-1),
	}
}

// Router builds the routing table; split out so tests can drive the
// handlers through httptest without a listening socket.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/state", s.getState)
	r.Get("/events", s.ws)
	r.Post("/sensor", s.postSensor)
	r.Route("/controller", func(r chi.Router) {
		r.Post("/request", s.postRequest)
		r.Post("/strobe-mode", s.postStrobeMode)
		r.Post("/thrusters", s.postThrusters)
		r.Post("/p2d", s.postP2D)
	})
	return r
}

// ListenAndServe runs the HTTP server and the broadcast hub until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.hub.Run(ctx)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Interface, s.cfg.Port),
		Handler: s.Router(),
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Printf("server: listening on %s", srv.Addr)
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errc:
		return err
	}
}

// RunHub starts only the broadcast hub, for tests that mount Router on an
// httptest server.
func (s *Server) RunHub(ctx context.Context) { go s.hub.Run(ctx) }

func (s *Server) emit(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Printf("server: encoding event: %v", err)
		return
	}
	s.hub.Broadcast(msg)
}

// trigger.Notifier

func (s *Server) ImageCaptured(number int, cameraName, file string) {
	s.emit(struct {
		Event  string `json:"event"`
		Number int    `json:"number"`
		Camera string `json:"camera"`
		File   string `json:"file"`
	}{"imageCaptured", number, cameraName, file})
}

func (s *Server) ImageDropped(number int, cameraName string) {
	s.emit(struct {
		Event  string `json:"event"`
		Number int    `json:"number"`
		Camera string `json:"camera"`
	}{"imageDropped", number, cameraName})
}

func (s *Server) CycleComplete(number int) {
	s.emit(struct {
		Event  string `json:"event"`
		Number int    `json:"number"`
	}{"cycleComplete", number})
}

// trigger.Emitter

// EmitFrame pushes a JPEG preview of the frame to websocket clients.  Full
// sensor depth stays on disk; the preview is 8-bit and base64.
func (s *Server) EmitFrame(cameraName string, number int, f camera.Frame, merged bool) {
	if s.hub.ClientCount() == 0 {
		return
	}
	var buf bytes.Buffer
	if err := imgwriter.EncodeJPEG(&buf, f, previewQuality); err != nil {
		log.Printf("server: preview of %s: %v", cameraName, err)
		return
	}
	s.emit(struct {
		Event  string `json:"event"`
		Number int    `json:"number"`
		Camera string `json:"camera"`
		Merged bool   `json:"merged"`
		Image  string `json:"image"`
	}{"frame", number, cameraName, merged, base64.StdEncoding.EncodeToString(buf.Bytes())})
}

// acquire.Observer

func (s *Server) LifecycleState(st acquire.State) {
	s.mu.Lock()
	s.lifeState = st
	s.mu.Unlock()
	s.emit(struct {
		Event string `json:"event"`
		State string `json:"state"`
	}{"systemState", st.String()})
}

func (s *Server) ControllerState(st controller.State) {
	s.mu.Lock()
	s.ctrlState = st
	s.mu.Unlock()
	s.emit(struct {
		Event string `json:"event"`
		State string `json:"state"`
	}{"controllerState", st.String()})
}

func (s *Server) ParameterData(header string, values []float64) {
	s.emit(struct {
		Event     string    `json:"event"`
		Parameter string    `json:"parameter"`
		Values    []float64 `json:"values"`
	}{"parameterChanged", header, values})
}

// handlers

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	life, ctrl := s.lifeState, s.ctrlState
	s.mu.Unlock()
	reply := struct {
		State           string `json:"state"`
		ControllerState string `json:"controller_state,omitempty"`
		OutputDir       string `json:"output_dir"`
		Clients         int    `json:"clients"`
	}{
		State:     life.String(),
		OutputDir: s.life.OutputDir(),
		Clients:   s.hub.ClientCount(),
	}
	if ctrl >= 0 {
		reply.ControllerState = ctrl.String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

// postSensor ingests a sensor line from a remote client; it lands in the
// same cache/store path as controller sensor data.
func (s *Server) postSensor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID     string `json:"id"`
		Header string `json:"header"`
		Data   string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if in.Header == "" {
		http.Error(w, "header is required", http.StatusBadRequest)
		return
	}
	router := s.life.Router()
	if router == nil {
		http.Error(w, "acquisition not running", http.StatusServiceUnavailable)
		return
	}
	if in.ID == "" {
		in.ID = "network"
	}
	router.Route(in.ID, in.Header, in.Data, time.Now())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) controllerOr503(w http.ResponseWriter) *controller.Device {
	dev := s.life.ControllerDevice()
	if dev == nil {
		http.Error(w, "no controller configured", http.StatusServiceUnavailable)
	}
	return dev
}

// postRequest forwards a parameter query such as getRTC; the reply comes
// back over the websocket as a parameterChanged event.
func (s *Server) postRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Header string `json:"str"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if in.Header == "" {
		http.Error(w, "str is required", http.StatusBadRequest)
		return
	}
	dev := s.controllerOr503(w)
	if dev == nil {
		return
	}
	if err := dev.Request(in.Header); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) postStrobeMode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Int int `json:"int"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	dev := s.controllerOr503(w)
	if dev == nil {
		return
	}
	if err := dev.SetStrobeMode(in.Int); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) postThrusters(w http.ResponseWriter, r *http.Request) {
	var in struct {
		One int `json:"one"`
		Two int `json:"two"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	dev := s.controllerOr503(w)
	if dev == nil {
		return
	}
	if err := dev.SetThrusters(in.One, in.Two); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) postP2D(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Enabled      int     `json:"enabled"`
		Slope        float64 `json:"slope"`
		Intercept    float64 `json:"intercept"`
		TurnOnDepth  int     `json:"turn_on_depth"`
		TurnOffDepth int     `json:"turn_off_depth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	dev := s.controllerOr503(w)
	if dev == nil {
		return
	}
	if err := dev.SetP2DParameters(in.Enabled, in.Slope, in.Intercept, in.TurnOnDepth, in.TurnOffDepth); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ws upgrades the connection and parks it in the hub; the read loop exists
// only to notice the client going away.
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade: %v", err)
		return
	}
	s.hub.Register(conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister(conn)
				return
			}
		}
	}()
}
