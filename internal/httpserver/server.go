package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/contentplane/promoter/internal/auth"
	"github.com/contentplane/promoter/internal/models"
	"github.com/contentplane/promoter/internal/promotion"
	"github.com/contentplane/promoter/internal/store"
)

type Server struct {
	orchestrator *promotion.Orchestrator
	store        store.Store
	verifier     *auth.Verifier
}

func New(orchestrator *promotion.Orchestrator, st store.Store, verifier *auth.Verifier) *Server {
	return &Server{
		orchestrator: orchestrator,
		store:        st,
		verifier:     verifier,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", s.handleHealth)

	r.Route("/promotion", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/preview", s.handlePreview)
			r.Post("/execute", s.handleExecute)
			r.Post("/{id}/rollback", s.handleRollback)
		})
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type previewRequest struct {
	Kind    models.ContentKind `json:"kind"`
	Source  string             `json:"source"`
	Target  string             `json:"target"`
	ItemIDs []string           `json:"itemIds"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := parseIDs(req.ItemIDs)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	preview, err := s.orchestrator.Preview(r.Context(), req.Kind,
		promotion.Environment(req.Source), promotion.Environment(req.Target), ids)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

type executeRequest struct {
	Kind    models.ContentKind `json:"kind"`
	Source  string             `json:"source"`
	Target  string             `json:"target"`
	ItemIDs []string           `json:"itemIds"`
	Reason  string             `json:"reason"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := parseIDs(req.ItemIDs)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.orchestrator.Execute(r.Context(), promotion.ExecuteRequest{
		Kind:    req.Kind,
		Source:  promotion.Environment(req.Source),
		Target:  promotion.Environment(req.Target),
		ActorID: actorFrom(r.Context()),
		ItemIDs: ids,
		Reason:  req.Reason,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid promotion id")
		return
	}
	record, err := s.orchestrator.Rollback(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		var rbErr *promotion.RollbackError
		if errors.As(err, &rbErr) {
			if rbErr.Ineligible {
				respondError(w, http.StatusConflict, rbErr.Error())
				return
			}
			// Partial rollback: record is committed, report what was missed.
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"record":         record,
				"rollbackErrors": rbErr.Failures,
			})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"record": record})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid promotion id")
		return
	}
	record, err := s.orchestrator.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "promotion not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.orchestrator.ListRecords(r.Context(),
		promotion.Environment(q.Get("source")), promotion.Environment(q.Get("target")), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

type contextKey string

const actorKey contextKey = "actor"

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return ""
}

func (s *Server) writeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.verifier.VerifyRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, errors.New("invalid item id " + s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
