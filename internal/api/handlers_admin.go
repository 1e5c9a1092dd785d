package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/store"
)

type userLocationRequest struct {
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type userLocationView struct {
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	LocationKey string    `json:"locationKey,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func viewUserLocation(u *models.UserLocation) userLocationView {
	v := userLocationView{
		UserID:      u.UserID,
		Name:        u.Name,
		LocationKey: u.LocationKey.String,
		UpdatedAt:   u.UpdatedAt,
	}
	if u.Latitude.Valid && u.Longitude.Valid {
		v.Latitude, v.Longitude = &u.Latitude.Float64, &u.Longitude.Float64
	}
	return v
}

// handlePutUserLocation registers the place collected for a user. The newest
// registration becomes the user's default location.
func (s *Server) handlePutUserLocation(w http.ResponseWriter, r *http.Request) {
	var req userLocationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	u, err := models.NewUserLocation(r.PathValue("id"), req.Name, req.Latitude, req.Longitude)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.deps.Store.UpsertUserLocation(ctx, u); err != nil {
		log.Printf("api: save location for %s: %v", u.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to save location")
		return
	}
	saved, err := s.deps.Store.GetUserLocation(ctx, u.UserID)
	if err != nil || saved == nil {
		log.Printf("api: reload location for %s: %v", u.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to load saved location")
		return
	}
	log.Printf("api: user %s location set to %q", u.UserID, u.Name)
	writeJSON(w, http.StatusOK, viewUserLocation(saved))
}

// handleRawPayload returns an archived upstream body by numeric id or by
// its SHA-256 hash.
func (s *Server) handleRawPayload(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	ctx := r.Context()

	var body []byte
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		body, err = s.deps.Store.GetRawPayload(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "payload not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		if len(ref) != 64 {
			writeError(w, http.StatusBadRequest, "payload reference must be an id or a sha256 hash")
			return
		}
		p, err := s.deps.Store.GetRawPayloadByHash(ctx, ref)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "payload not found")
			return
		}
		if body, err = p.Body(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("X-Payload-Endpoint", p.Endpoint)
		w.Header().Set("X-Payload-Fetched-At", p.FetchedAt.UTC().Format(time.RFC3339))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Payload-Hash", store.PayloadHash(body))
	w.Write(body)
}
