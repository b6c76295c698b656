package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/septivank/river-telemetry/internal/db"
	"github.com/septivank/river-telemetry/internal/fanout"
	"github.com/septivank/river-telemetry/internal/repository"
	"github.com/septivank/river-telemetry/internal/session"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 * 1024

type readingResponse struct {
	ID             string              `json:"id"`
	DeviceID       string              `json:"device_id"`
	SensorID       string              `json:"sensor_id"`
	Timestamp      string              `json:"timestamp"`
	ManualOverride bool                `json:"manual_override"`
	Data           map[string]*float64 `json:"data"`
}

func newReadingResponse(r *db.Reading) readingResponse {
	return readingResponse{
		ID:             r.ID.String(),
		DeviceID:       r.DeviceName,
		SensorID:       r.SensorID.String(),
		Timestamp:      fanout.FormatTimestamp(r.Timestamp),
		ManualOverride: r.ManualOverride,
		Data:           fanout.WireValues(&r.Values),
	}
}

type alertResponse struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	ReadingID  string `json:"reading_id"`
	Parameter  string `json:"parameter"`
	Message    string `json:"message"`
	CreatedAt  string `json:"created_at"`
	IsResolved bool   `json:"is_resolved"`
}

func newAlertResponse(a *db.Alert) alertResponse {
	return alertResponse{
		ID:         a.ID.String(),
		DeviceID:   a.DeviceName,
		ReadingID:  a.ReadingID.String(),
		Parameter:  a.Parameter,
		Message:    a.Message,
		CreatedAt:  fanout.FormatTimestamp(a.CreatedAt),
		IsResolved: a.IsResolved,
	}
}

type sensorResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SensorType string `json:"sensor_type"`
	IsActive   bool   `json:"is_active"`
}

type deviceResponse struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Location    *string          `json:"location"`
	Description string           `json:"description"`
	IsOnline    bool             `json:"is_online"`
	CreatedAt   string           `json:"created_at"`
	Sensors     []sensorResponse `json:"sensors"`
}

type brokerResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Host            string  `json:"host"`
	Port            int     `json:"port"`
	Username        *string `json:"username"`
	UseTLS          bool    `json:"use_tls"`
	IsActive        bool    `json:"is_active"`
	IsHealthy       bool    `json:"is_healthy"`
	LastHealthCheck *string `json:"last_health_check"`
}

func newBrokerResponse(b *db.BrokerConfig) brokerResponse {
	out := brokerResponse{
		ID:        b.ID.String(),
		Name:      b.Name,
		Host:      b.Host,
		Port:      b.Port,
		Username:  b.Username,
		UseTLS:    b.UseTLS,
		IsActive:  b.IsActive,
		IsHealthy: b.IsHealthy,
	}
	if b.LastHealthCheck != nil {
		ts := fanout.FormatTimestamp(*b.LastHealthCheck)
		out.LastHealthCheck = &ts
	}
	return out
}

type manualReadingRequest struct {
	Values map[string]float64 `json:"values" validate:"required,min=1"`
}

type createBrokerRequest struct {
	Name     string  `json:"name" validate:"required,max=100"`
	Host     string  `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int     `json:"port" validate:"required,min=1,max=65535"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	UseTLS   bool    `json:"use_tls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := false
	if s.broker != nil {
		connected = s.broker.Connected()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"broker_connected": connected,
	})
}

func (s *Server) handleGlobalSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := session.NewGlobal(session.NewWSConn(conn), s.hub, s.store, s.backfill, s.logger)
	if err := sess.Run(r.Context()); err != nil {
		s.logger.Debug("global session ended with error", zap.Error(err))
	}
}

func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("device", device))
		return
	}

	sess := session.NewDevice(device, session.NewWSConn(conn), s.hub, s.processor, s.logger)
	if err := sess.Run(r.Context()); err != nil {
		s.logger.Debug("device session ended with error", zap.Error(err))
	}
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	q := repository.RecentQuery{
		Device: r.URL.Query().Get("device"),
		Limit:  s.backfill.BackfillLimit,
		Since:  s.backfill.BackfillLookback,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 1000", errBadRequest))
			return
		}
		q.Limit = limit
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.ParseDuration(raw)
		if err != nil || since <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: since must be a positive duration", errBadRequest))
			return
		}
		q.Since = since
	}

	readings, err := s.store.ListRecent(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]readingResponse, 0, len(readings))
	for i := range readings {
		out = append(out, newReadingResponse(&readings[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetReading(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	reading, err := s.store.GetReading(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newReadingResponse(reading))
}

func (s *Server) handleToggleManual(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	reading, err := s.processor.ToggleManualOverride(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newReadingResponse(reading))
}

func (s *Server) handleManualReading(w http.ResponseWriter, r *http.Request) {
	var req manualReadingRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.processor.ManualReading(r.Context(), chi.URLParam(r, "device"), req.Values)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result == nil {
		s.writeError(w, r, fmt.Errorf("%w: no recognized parameters", errBadRequest))
		return
	}

	alerts := make([]alertResponse, 0, len(result.Alerts))
	for i := range result.Alerts {
		alerts = append(alerts, newAlertResponse(&result.Alerts[i]))
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"reading": newReadingResponse(result.Reading),
		"alerts":  alerts,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp := deviceResponse{
			ID:          d.ID.String(),
			Name:        d.Name,
			Location:    d.Location,
			Description: d.Description,
			IsOnline:    d.IsOnline,
			CreatedAt:   fanout.FormatTimestamp(d.CreatedAt),
			Sensors:     make([]sensorResponse, 0, len(d.Sensors)),
		}
		for _, sn := range d.Sensors {
			resp.Sensors = append(resp.Sensors, sensorResponse{
				ID:         sn.ID.String(),
				Name:       sn.Name,
				SensorType: string(sn.SensorType),
				IsActive:   sn.IsActive,
			})
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	if err := s.store.DeleteDevice(r.Context(), device); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("device deleted", zap.String("device", device))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.List(r.Context(), repository.AlertFilter{
		Device:    r.URL.Query().Get("device"),
		Parameter: r.URL.Query().Get("parameter"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]alertResponse, 0, len(alerts))
	for i := range alerts {
		out = append(out, newAlertResponse(&alerts[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	alert, err := s.alerts.Resolve(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newAlertResponse(alert))
}

func (s *Server) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	brokers, err := s.store.ListBrokers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]brokerResponse, 0, len(brokers))
	for i := range brokers {
		out = append(out, newBrokerResponse(&brokers[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBroker(w http.ResponseWriter, r *http.Request) {
	var req createBrokerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.store.CreateBroker(r.Context(), db.BrokerConfig{
		Name:     req.Name,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		UseTLS:   req.UseTLS,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newBrokerResponse(b))
}

func (s *Server) handleActivateBroker(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.store.SetActiveBroker(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("active broker changed",
		zap.String("broker_id", b.ID.String()),
		zap.String("host", b.Host),
	)
	if s.broker != nil {
		go s.broker.Reconnect()
	}
	s.writeJSON(w, http.StatusOK, newBrokerResponse(b))
}

func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return s.validate.Struct(v)
}

func parseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id", errBadRequest)
	}
	return id, nil
}
