package extractor

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/NivBraz/groupcount-service/pkg/store"
)

// AdminRouter exposes health and table statistics over HTTP.
func AdminRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"served": s.Served()})
	})

	r.Get("/keyspaces/{keyspace}/tables/{table}/count", func(w http.ResponseWriter, req *http.Request) {
		keyspace := chi.URLParam(req, "keyspace")
		table := chi.URLParam(req, "table")

		if err := store.ValidateIdentifier(table); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		st, err := s.keyspace(keyspace)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, store.ErrInvalidIdentifier):
				status = http.StatusBadRequest
			case errors.Is(err, store.ErrKeyspaceNotFound):
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		n, err := st.Count(req.Context(), table)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrTableNotFound) {
				status = http.StatusNotFound
			} else {
				s.logger.Warn("count failed", zap.String("table", table), zap.Error(err))
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"keyspace": keyspace,
			"table":    table,
			"count":    n,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
