package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cloud-shuttle/switchboard/internal/conversation"
	"github.com/cloud-shuttle/switchboard/internal/events"
	"github.com/cloud-shuttle/switchboard/internal/service"
	"github.com/cloud-shuttle/switchboard/internal/tiered"
)

type messageRequest struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	CustomerID     string `json:"customer_id"`
	Content        string `json:"content"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// newMux routes the conversation API onto the service
func newMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Content == "" {
			writeError(w, http.StatusBadRequest, errors.New("content is required"))
			return
		}
		reply, err := a.service.HandleMessage(r.Context(), service.Message{
			ConversationID: req.ConversationID,
			SessionID:      req.SessionID,
			CustomerID:     req.CustomerID,
			Content:        req.Content,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	})

	mux.HandleFunc("GET /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		report, err := a.service.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("GET /v1/conversations/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 {
			limit = cfg.HistoryLimit
		}
		history, err := a.service.History(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	})

	mux.HandleFunc("POST /v1/conversations/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		summary, err := a.service.Close(r.Context(), r.PathValue("id"), req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("POST /v1/conversations/{id}/transfer", func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		if err := a.service.TransferToHuman(r.Context(), r.PathValue("id"), req.Reason); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/conversations/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		streamEvents(a, w, r)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		report := a.service.Health(r.Context())
		status := http.StatusOK
		if report.Status != service.HealthHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})

	return mux
}

// streamEvents writes the lifecycle events of one conversation as
// server-sent events until the client goes away or the bus closes. Repeated
// type parameters narrow the stream to those event types.
func streamEvents(a *app, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	filter := events.EventFilter{ConversationID: r.PathValue("id")}
	for _, t := range r.URL.Query()["type"] {
		filter.Types = append(filter.Types, events.EventType(t))
	}
	sub := a.bus.Subscribe("http "+r.RemoteAddr, filter)
	defer a.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := events.FormatEvent(ev)
			if err != nil {
				a.logger.Warn("encoding event failed", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		}
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	var unavailable *tiered.StorageUnavailableError
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, service.ErrConversationClosed):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
