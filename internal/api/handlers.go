package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/signal"
)

type roomResponse struct {
	ID      string           `json:"id"`
	Members []memberResponse `json:"members"`
}

type memberResponse struct {
	Conn    core.ConnID     `json:"conn"`
	Session signal.Snapshot `json:"session"`
}

func StatsHandler(inspector Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, inspector.Stats())
	}
}

func RoomsHandler(inspector Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms := inspector.Rooms()
		if rooms == nil {
			rooms = []string{}
		}
		writeJSON(w, rooms)
	}
}

func RoomHandler(inspector Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "id")

		members := inspector.RoomMembers(roomID)
		if len(members) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		resp := roomResponse{ID: roomID, Members: make([]memberResponse, 0, len(members))}
		for _, conn := range members {
			// the member may disconnect meanwhile
			snap, ok := inspector.Session(conn)
			if !ok {
				continue
			}
			resp.Members = append(resp.Members, memberResponse{Conn: conn, Session: snap})
		}

		writeJSON(w, resp)
	}
}

func ProducerHandler(inspector Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		producer, ok := inspector.FindProducer(chi.URLParam(r, "id"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, producer)
	}
}

func ConnectionHandler(inspector Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := inspector.Session(core.ConnID(chi.URLParam(r, "id")))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, snap)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("encode response")
	}
}
