// Package httpserver exposes the panel over HTTP: intents as POST endpoints,
// the status view as JSON and as a websocket push.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"reprapctl/internal/controller"
	"reprapctl/internal/model"
	"reprapctl/internal/panel"
	"reprapctl/internal/reactor"
	"reprapctl/internal/stream"
)

// maxUploadBytes bounds a G-code upload held in memory.
const maxUploadBytes = 64 << 20

// Panel is the engine as seen by the HTTP layer.
type Panel interface {
	Status() panel.View
	Subscribe() (<-chan panel.View, func())

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Reset(ctx context.Context) error
	EmergencyStop(ctx context.Context) error
	CancelPrint(ctx context.Context) error
	ClearMessages(ctx context.Context) error

	Jog(ctx context.Context, axis string, distance, feed float64) error
	JogIncrements(axis string) ([]float64, error)
	Extrude(ctx context.Context, amount, feed float64) error
	SetTemperature(ctx context.Context, heater panel.Heater, celsius float64) error
	SendRaw(ctx context.Context, text string) error
	SetObjectHeight(ctx context.Context, mm float64) error

	StartUpload(ctx context.Context, name string, data []byte, mode model.JobMode) (panel.JobView, error)
	PrintRemoteFile(ctx context.Context, name string) error
	DeleteRemoteFile(ctx context.Context, name string) error
	RefreshFiles(ctx context.Context) ([]string, error)
}

// Store is the replicated settings store and job journal.
type Store interface {
	Settings() model.Settings
	PutSettings(s model.Settings) error
	Jobs() []model.JobRecord
	Stats() map[string]string
}

type Server struct {
	panel    Panel
	store    Store
	sink     *metrics.InmemSink
	logger   hclog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	wsClients atomic.Int64
}

// New builds the router. sink may be nil, in which case /metrics is not served.
func New(p Panel, store Store, sink *metrics.InmemSink, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		panel:  p,
		store:  store,
		sink:   sink,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/metrics", s.metricsHandler).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/ws", s.wsHandler).Methods("GET")
	api.HandleFunc("/store", s.storeHandler).Methods("GET")

	// Intents without a body
	api.HandleFunc("/connect", s.intent(p.Connect)).Methods("POST")
	api.HandleFunc("/disconnect", s.intent(p.Disconnect)).Methods("POST")
	api.HandleFunc("/pause", s.intent(p.Pause)).Methods("POST")
	api.HandleFunc("/resume", s.intent(p.Resume)).Methods("POST")
	api.HandleFunc("/reset", s.intent(p.Reset)).Methods("POST")
	api.HandleFunc("/estop", s.intent(p.EmergencyStop)).Methods("POST")
	api.HandleFunc("/cancel", s.intent(p.CancelPrint)).Methods("POST")
	api.HandleFunc("/messages", s.intent(p.ClearMessages)).Methods("DELETE")

	// Manual control
	api.HandleFunc("/jog", s.jogHandler).Methods("POST")
	api.HandleFunc("/jog/{axis}", s.jogIncrementsHandler).Methods("GET")
	api.HandleFunc("/extrude", s.extrudeHandler).Methods("POST")
	api.HandleFunc("/temperature", s.temperatureHandler).Methods("POST")
	api.HandleFunc("/gcode", s.gcodeHandler).Methods("POST")
	api.HandleFunc("/height", s.heightHandler).Methods("POST")

	// Files and jobs
	api.HandleFunc("/files", s.listFilesHandler).Methods("GET")
	api.HandleFunc("/files/refresh", s.refreshFilesHandler).Methods("POST")
	api.HandleFunc("/files/{name}", s.deleteFileHandler).Methods("DELETE")
	api.HandleFunc("/files/{name}/print", s.printFileHandler).Methods("POST")
	api.HandleFunc("/uploads", s.uploadHandler).Methods("POST")
	api.HandleFunc("/jobs", s.jobsHandler).Methods("GET")

	// Settings
	api.HandleFunc("/settings", s.getSettingsHandler).Methods("GET")
	api.HandleFunc("/settings", s.putSettingsHandler).Methods("PUT")

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

// ====== HELPERS ======

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, panel.ErrInvalidArgument), errors.Is(err, stream.ErrMalformedFile):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrJobActive), errors.Is(err, panel.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, controller.ErrUnreachable), errors.Is(err, reactor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return false
	}
	return true
}

// intent adapts a bodiless engine call to a handler answering with the view.
func (s *Server) intent(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.panel.Status())
	}
}

// ====== HANDLERS ======

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		http.Error(w, "Metrics not enabled", http.StatusNotFound)
		return
	}
	summary, err := s.sink.DisplayMetrics(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.panel.Status())
}

func (s *Server) storeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

// --- Manual control ---

type jogRequest struct {
	Axis     string  `json:"axis"`
	Distance float64 `json:"distance"`
	Feedrate float64 `json:"feedrate"`
}

func (s *Server) jogHandler(w http.ResponseWriter, r *http.Request) {
	var req jogRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.panel.Jog(r.Context(), req.Axis, req.Distance, req.Feedrate); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.panel.Status())
}

func (s *Server) jogIncrementsHandler(w http.ResponseWriter, r *http.Request) {
	steps, err := s.panel.JogIncrements(mux.Vars(r)["axis"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]float64{"increments": steps})
}

type extrudeRequest struct {
	Amount   float64 `json:"amount"`
	Feedrate float64 `json:"feedrate"`
}

func (s *Server) extrudeHandler(w http.ResponseWriter, r *http.Request) {
	var req extrudeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.panel.Extrude(r.Context(), req.Amount, req.Feedrate); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.panel.Status())
}

type temperatureRequest struct {
	Heater  panel.Heater `json:"heater"`
	Celsius float64      `json:"celsius"`
}

func (s *Server) temperatureHandler(w http.ResponseWriter, r *http.Request) {
	var req temperatureRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.panel.SetTemperature(r.Context(), req.Heater, req.Celsius); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.panel.Status())
}

func (s *Server) gcodeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.panel.SendRaw(r.Context(), req.Code); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.panel.Status())
}

func (s *Server) heightHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Height float64 `json:"height"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.panel.SetObjectHeight(r.Context(), req.Height); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.panel.Status().Progress)
}

// --- Files and jobs ---

func (s *Server) listFilesHandler(w http.ResponseWriter, r *http.Request) {
	files := s.panel.Status().Files
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

func (s *Server) refreshFilesHandler(w http.ResponseWriter, r *http.Request) {
	files, err := s.panel.RefreshFiles(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

func (s *Server) deleteFileHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.panel.DeleteRemoteFile(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) printFileHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.panel.PrintRemoteFile(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.panel.Status())
}

func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Missing file name", http.StatusBadRequest)
		return
	}
	mode, ok := model.ParseJobMode(r.URL.Query().Get("mode"))
	if !ok {
		http.Error(w, "Mode must be print or upload", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "Upload too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	job, err := s.panel.StartUpload(r.Context(), name, data, mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("upload accepted", "job", job.ID, "mode", mode, "lines", job.Total)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs := s.store.Jobs()
	if jobs == nil {
		jobs = []model.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// --- Settings ---

// settingsDoc is the wire form of the settings; durations travel as strings
// such as "1s".
type settingsDoc struct {
	PollInterval     string  `json:"poll_interval"`
	LayerHeight      float64 `json:"layer_height"`
	HalfStepJog      bool    `json:"half_step_jog"`
	SuppressPlainAck bool    `json:"suppress_plain_ack"`
	BedPresets       []int   `json:"bed_presets"`
	HeadPresets      []int   `json:"head_presets"`
}

func toDoc(st model.Settings) settingsDoc {
	return settingsDoc{
		PollInterval:     st.PollInterval.String(),
		LayerHeight:      st.LayerHeight,
		HalfStepJog:      st.HalfStepJog,
		SuppressPlainAck: st.SuppressPlainAck,
		BedPresets:       st.BedPresets,
		HeadPresets:      st.HeadPresets,
	}
}

func (d settingsDoc) settings() (model.Settings, error) {
	interval, err := time.ParseDuration(d.PollInterval)
	if err != nil {
		return model.Settings{}, fmt.Errorf("poll_interval: %w", err)
	}
	st := model.Settings{
		PollInterval:     interval,
		LayerHeight:      d.LayerHeight,
		HalfStepJog:      d.HalfStepJog,
		SuppressPlainAck: d.SuppressPlainAck,
		BedPresets:       d.BedPresets,
		HeadPresets:      d.HeadPresets,
	}
	return st, st.Validate()
}

func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toDoc(s.store.Settings()))
}

func (s *Server) putSettingsHandler(w http.ResponseWriter, r *http.Request) {
	doc := toDoc(s.store.Settings())
	if !decode(w, r, &doc) {
		return
	}
	st, err := doc.settings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.PutSettings(st); err != nil {
		s.fail(w, r, err)
		return
	}
	metrics.IncrCounter([]string{"settings", "updates"}, 1)
	writeJSON(w, http.StatusOK, toDoc(st))
}
