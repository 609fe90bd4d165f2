package store

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
)

// Server exposes a Store over HTTP: document reads and conditional
// patches as REST calls, the change feed as a websocket stream.
type Server struct {
	store Store
	log   *zap.SugaredLogger
	mux   *http.ServeMux
}

// NewServer wraps a store, typically the embedded SQLite one.
func NewServer(backing Store) *Server {
	s := &Server{
		store: backing,
		log:   logger.Named("store.server"),
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /tables/{table}/items/{id}", s.handleGet)
	s.mux.HandleFunc("PUT /tables/{table}/items/{id}", s.handlePut)
	s.mux.HandleFunc("PATCH /tables/{table}/items/{id}", s.handlePatch)
	s.mux.HandleFunc("GET /tables/{table}/changes", s.handleChanges)
	s.mux.HandleFunc("PUT /watch-indexes/{task}/{field}", s.handleEnsureIndex)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.Get(r.Context(), r.PathValue("table"), r.PathValue("id"))
	if errors.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var item entity.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	item.ID = r.PathValue("id")
	if err := s.store.Insert(r.Context(), r.PathValue("table"), &item); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var patches entity.PatchSet
	if err := json.NewDecoder(r.Body).Decode(&patches); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	err := s.store.Patch(r.Context(), r.PathValue("table"), r.PathValue("id"), patches)
	switch {
	case errors.IsUnchanged(err):
		// Fingerprint moved on under the writer. Not an error, the
		// caller discards the stale result.
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, errors.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func (s *Server) handleEnsureIndex(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SpecHash string `json:"specHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SpecHash == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "specHash is required"})
		return
	}
	err := s.store.EnsureWatchIndex(r.Context(), r.PathValue("task"), r.PathValue("field"), body.SpecHash)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

var changesUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	includeInitial := r.URL.Query().Get("includeInitial") == "true"

	feed, err := s.store.Watch(r.Context(), WatchOptions{Table: table, IncludeInitial: includeInitial})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}

	conn, err := changesUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("Change feed upgrade failed", "table", table, "error", err)
		return
	}
	defer conn.Close()

	// Drain the client side so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for change := range feed {
		if err := conn.WriteJSON(change); err != nil {
			s.log.Debugw("Change feed subscriber went away", "table", table, "error", err)
			return
		}
	}
}
