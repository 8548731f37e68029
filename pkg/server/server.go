// Package server exposes an SLCAN adapter over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/roffe/slcan"
	"github.com/sirupsen/logrus"
)

// Device is the part of *slcan.Manager the server drives.
type Device interface {
	State() slcan.ConnectionState
	Loopback() bool
	Bitrate() slcan.Bitrate
	Stats() slcan.Stats
	DeviceInfo() (*slcan.DeviceInfo, error)
	SendFrame(*slcan.CANFrame) (*slcan.SendResult, error)
	SetBitrate(ctx context.Context, b slcan.Bitrate, loopback bool) error
}

const DefaultHistory = 256

type Server struct {
	dev    Device
	log    logrus.FieldLogger
	router *mux.Router

	mu     sync.Mutex
	recent []Frame
	next   int
	full   bool
}

func New(dev Device, log logrus.FieldLogger, history int) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if history <= 0 {
		history = DefaultHistory
	}
	s := &Server{
		dev:    dev,
		log:    log,
		recent: make([]Frame, history),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.getState).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)
	api.HandleFunc("/info", s.getInfo).Methods(http.MethodGet)
	api.HandleFunc("/frames", s.getFrames).Methods(http.MethodGet)
	api.HandleFunc("/frames", s.postFrame).Methods(http.MethodPost)
	api.HandleFunc("/bitrate", s.putBitrate).Methods(http.MethodPut)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled. A bare port number
// is accepted as well as [host]:port.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if i, err := strconv.Atoi(addr); err == nil {
		addr = fmt.Sprintf(":%d", i)
	}
	h := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- h.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("http server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.Shutdown(shutdownCtx)
	}
}

// Frame is the JSON form of a CAN frame.
type Frame struct {
	ID        uint32     `json:"id"`
	Extended  bool       `json:"extended"`
	Data      string     `json:"data"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func toFrame(f *slcan.CANFrame) Frame {
	out := Frame{
		ID:       f.Identifier,
		Extended: f.Extended,
		Data:     hex.EncodeToString(f.Data),
	}
	if !f.Timestamp.IsZero() {
		ts := f.Timestamp
		out.Timestamp = &ts
	}
	return out
}

func (f Frame) canFrame() (*slcan.CANFrame, error) {
	data, err := hex.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", slcan.ErrConfiguration, err)
	}
	if f.Extended {
		return slcan.NewExtendedFrame(f.ID, data), nil
	}
	return slcan.NewFrame(f.ID, data), nil
}

// Record keeps f in the history served by GET /api/frames. It has the
// shape of slcan.FrameSink.
func (s *Server) Record(f *slcan.CANFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent[s.next] = toFrame(f)
	s.next = (s.next + 1) % len(s.recent)
	if s.next == 0 {
		s.full = true
	}
}

// history returns the recorded frames, oldest first.
func (s *Server) history() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]Frame{}, s.recent[:s.next]...)
	}
	out := make([]Frame, 0, len(s.recent))
	out = append(out, s.recent[s.next:]...)
	return append(out, s.recent[:s.next]...)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	v := struct {
		State    string `json:"state"`
		Loopback bool   `json:"loopback"`
		Bitrate  string `json:"bitrate,omitempty"`
	}{State: s.dev.State().String(), Loopback: s.dev.Loopback()}
	if s.dev.State() == slcan.Connected {
		v.Bitrate = s.dev.Bitrate().String()
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dev.Stats())
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.dev.DeviceInfo()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) getFrames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.history())
}

func (s *Server) postFrame(w http.ResponseWriter, r *http.Request) {
	var in Frame
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", slcan.ErrConfiguration, err))
		return
	}
	f, err := in.canFrame()
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.dev.SendFrame(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) putBitrate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Kbit     float64 `json:"kbit"`
		Loopback bool    `json:"loopback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", slcan.ErrConfiguration, err))
		return
	}
	b, err := slcan.ParseBitrate(in.Kbit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dev.SetBitrate(r.Context(), b, in.Loopback); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, slcan.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, slcan.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, slcan.ErrSendFailed), errors.Is(err, slcan.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, slcan.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	e.Encode(v)
}
