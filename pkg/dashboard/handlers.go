package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sipeed/walink/pkg/config"
	"github.com/sipeed/walink/pkg/qrcode"
	"github.com/sipeed/walink/pkg/storage"
	"github.com/sipeed/walink/pkg/wa"
)

const (
	qrSize      = 256
	sendTimeout = 45 * time.Second
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	state := s.manager.State()
	status := map[string]interface{}{
		"session":           s.manager.Options().Name,
		"state":             state.String(),
		"open":              state.IsOpen(),
		"generation":        s.manager.Generation(),
		"reconnect_pending": s.manager.ReconnectPending(),
		"uptime":            time.Since(s.startTime).String(),
	}
	_, status["qr_pending"] = s.hub.LatestQR()

	if s.messages != nil {
		if n, err := s.messages.Count(r.Context()); err == nil {
			status["stored_messages"] = n
		}
	}

	writeJSON(w, status)
}

// sendBody is the JSON form of every outbound request. Type selects the
// variant; fields that do not apply to it are ignored.
type sendBody struct {
	Type        string      `json:"type"`
	To          string      `json:"to"`
	Text        string      `json:"text,omitempty"`
	Path        string      `json:"path,omitempty"`
	Caption     string      `json:"caption,omitempty"`
	Buttons     []wa.Button `json:"buttons,omitempty"`
	Name        string      `json:"name,omitempty"`
	Options     []string    `json:"options,omitempty"`
	Latitude    float64     `json:"latitude,omitempty"`
	Longitude   float64     `json:"longitude,omitempty"`
	Number      string      `json:"number,omitempty"`
	DisplayName string      `json:"display_name,omitempty"`
	Source      string      `json:"source,omitempty"`
	Pack        string      `json:"pack,omitempty"`
	Author      string      `json:"author,omitempty"`
	Quality     int         `json:"quality,omitempty"`
	Crop        bool        `json:"crop,omitempty"`
	State       string      `json:"state,omitempty"`
}

func (b sendBody) request() (wa.Request, error) {
	switch strings.ToLower(b.Type) {
	case "", "text":
		return wa.TextRequest{To: b.To, Body: b.Text}, nil
	case "image":
		return wa.ImageRequest{To: b.To, Path: b.Path, Caption: b.Caption}, nil
	case "video":
		return wa.VideoRequest{To: b.To, Path: b.Path, Caption: b.Caption}, nil
	case "audio":
		return wa.AudioRequest{To: b.To, Path: b.Path}, nil
	case "file":
		return wa.FileRequest{To: b.To, Path: b.Path}, nil
	case "buttons":
		return wa.ButtonsRequest{To: b.To, Text: b.Text, Buttons: b.Buttons}, nil
	case "poll":
		return wa.PollRequest{To: b.To, Name: b.Name, Options: b.Options}, nil
	case "location":
		return wa.LocationRequest{To: b.To, Latitude: b.Latitude, Longitude: b.Longitude}, nil
	case "contact":
		return wa.ContactRequest{To: b.To, Number: b.Number, DisplayName: b.DisplayName}, nil
	case "sticker":
		return wa.StickerRequest{To: b.To, Source: b.Source, Options: wa.StickerOptions{
			Pack:    b.Pack,
			Author:  b.Author,
			Quality: b.Quality,
			Crop:    b.Crop,
		}}, nil
	case "presence":
		return wa.PresenceRequest{To: b.To, State: wa.Presence(b.State)}, nil
	default:
		return nil, &wa.ValidationError{Field: "type", Reason: "unknown request type " + b.Type}
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	req, err := body.request()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()

	res, err := s.sender.Dispatch(ctx, req)
	if err != nil {
		writeError(w, sendStatus(err), err.Error())
		return
	}
	if !res.Sent {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "rejected", "sent": false})
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":    "sent",
		"sent":      true,
		"id":        res.Message.ID,
		"timestamp": res.Message.Timestamp,
	})
}

// sendStatus maps the outbound error taxonomy onto HTTP codes.
func sendStatus(err error) int {
	var (
		unavailable *wa.ConnectionUnavailableError
		invalid     *wa.ValidationError
		media       *wa.MediaError
	)
	switch {
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &media):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	code, ok := s.hub.LatestQR()
	if !ok {
		writeError(w, http.StatusNotFound, "no QR code pending")
		return
	}

	if r.URL.Query().Get("format") == "raw" {
		writeJSON(w, map[string]string{"code": code})
		return
	}

	svg, err := qrcode.SVG(code, qrSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(svg))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, map[string]interface{}{
		"config":  config.Redacted(s.cfg),
		"secrets": config.SecretMaskMap(s.cfg),
	})
}

// handleTestStorageConnection tests the database connection
func (s *Server) handleTestStorageConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Type        string `json:"type"`
		DatabaseURL string `json:"database_url"`
		FilePath    string `json:"file_path"`
		SSLEnabled  bool   `json:"ssl_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	testConfig := storage.DefaultConfig(body.Type)
	testConfig.DatabaseURL = body.DatabaseURL
	testConfig.FilePath = body.FilePath
	testConfig.SSLEnabled = body.SSLEnabled
	testConfig.MaxOpenConns = 1

	testStore, err := s.storageFactory(testConfig)
	if err != nil {
		writeJSON(w, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	defer testStore.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := testStore.Connect(ctx); err != nil {
		writeJSON(w, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": "Connection successful",
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.hub.serveWebSocket(w, r)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
