package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaunagostinho/gimbalctl/internal/ack"
	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/link"
	"github.com/shaunagostinho/gimbalctl/internal/message"
	"github.com/shaunagostinho/gimbalctl/internal/protocol"
	"github.com/shaunagostinho/gimbalctl/internal/transport"
)

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bad request body: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.frame())
}

type portsResponse struct {
	Ports       []string `json:"ports"`
	BaudRates   []int    `json:"baudRates"`
	DefaultBaud int      `json:"defaultBaud"`
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, portsResponse{
		Ports:       ports,
		BaudRates:   transport.StandardBaudRates,
		DefaultBaud: transport.DefaultBaudRate,
	})
}

// handleConnect blocks until the link is up or has failed. An empty body
// connects to the configured target.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target, err := s.cfg.Target()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &target); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if err := s.links.Connect(r.Context(), target); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, link.ErrUnsupportedBaud) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{
			"error": err.Error(),
			"link":  s.links.Backend().Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.links.Backend().Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.links.Disconnect()
	writeJSON(w, http.StatusOK, s.links.Backend().Status())
}

type commandRequest struct {
	Op        string         `json:"op"` // setpoint, mode, limits or ping
	Pan       float32        `json:"pan"`
	Tilt      float32        `json:"tilt"`
	Mode      string         `json:"mode"`
	Limits    *gimbal.Limits `json:"limits"`
	NoAck     bool           `json:"noAck"`
	TimeoutMS int            `json:"timeoutMs"`
}

func (c commandRequest) body() ([]byte, error) {
	switch c.Op {
	case "setpoint":
		return message.SetpointCommand(gimbal.Setpoint{Pan: c.Pan, Tilt: c.Tilt}), nil
	case "mode":
		m, ok := gimbal.ParseMode(c.Mode)
		if !ok {
			return nil, fmt.Errorf("unknown mode %q", c.Mode)
		}
		return message.ModeCommand(m), nil
	case "limits":
		if c.Limits == nil {
			return nil, errors.New("limits missing")
		}
		return message.LimitsCommand(*c.Limits), nil
	case "ping":
		return message.PingCommand(), nil
	default:
		return nil, fmt.Errorf("unknown op %q", c.Op)
	}
}

// handleCommand sends one command and, unless noAck is set, waits for the
// device to acknowledge it.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := req.body()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	b := s.links.Backend()

	if req.NoAck {
		if !b.IsConnected() {
			writeError(w, http.StatusConflict, link.ErrNotConnected)
			return
		}
		b.Send(body, nil, 0)
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "sent"})
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = s.cfg.AckTimeout()
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout+time.Second)
	defer cancel()

	start := time.Now()
	err = b.SendWait(ctx, body, timeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"result": "acked", "latencyMs": time.Since(start).Milliseconds()})
	case errors.Is(err, link.ErrNotConnected):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ack.ErrAckTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusServiceUnavailable, err)
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handlePostConfig merges a partial update, persists it and applies the
// recorder toggle. Link changes take effect on the next connect.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Warn().Err(err).Msg("config save failed")
	}
	if s.rec != nil {
		s.rec.SetEnabled(s.cfg.RecorderSettings().Enabled)
	}
	s.handleGetConfig(w, r)
}
