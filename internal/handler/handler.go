package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/akulikov/examgate/internal/attempt"
	"github.com/akulikov/examgate/internal/model"
	"github.com/akulikov/examgate/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	engine *attempt.Engine
}

// New creates a new Handler.
func New(s *store.Store, e *attempt.Engine) *Handler {
	return &Handler{store: s, engine: e}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/login", h.handleLogin)
	r.Post("/api/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/api/assessments", h.handleListAssessments)
		r.Post("/api/assessments/{assessmentID}/attempts", h.handleStartAttempt)
		r.Get("/api/attempts/{attemptID}", h.handleAttemptStatus)
		r.Post("/api/attempts/{attemptID}/answers", h.handleRecordAnswer)
		r.Post("/api/attempts/{attemptID}/submit", h.handleSubmitAttempt)
		r.Get("/api/attempts/{attemptID}/result", h.handleAttemptResult)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleInstructor, model.UserRoleAdmin))
			r.Post("/api/assessments", h.handleCreateAssessment)
			r.Get("/api/attempts", h.handleListAttempts)
			r.Post("/api/attempts/{attemptID}/grades/{questionOrder}", h.handleOverrideScore)
		})
		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/api/users", h.handleListUsers)
			r.Post("/api/users", h.handleCreateUser)
			r.Post("/api/users/{userID}/toggle", h.handleToggleUserActive)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps the attempt package's sentinel errors onto HTTP
// statuses. Anything unmapped is an internal error and is logged, not leaked.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attempt.ErrAttemptNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, attempt.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, attempt.ErrAttemptNotActive), errors.Is(err, attempt.ErrAttemptActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, attempt.ErrNotConfigured):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, attempt.ErrUnknownQuestion), errors.Is(err, attempt.ErrNotGradable):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("attempt operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	assessments, err := h.store.ListAssessments()
	if err != nil {
		slog.Error("list assessments", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, assessments)
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	auth, ok := model.AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	assessmentID, err := strconv.ParseInt(chi.URLParam(r, "assessmentID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid assessment ID")
		return
	}

	res, err := h.engine.Start(r.Context(), auth, assessmentID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleAttemptStatus(w http.ResponseWriter, r *http.Request) {
	auth, ok := model.AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	res, err := h.engine.Status(r.Context(), auth, chi.URLParam(r, "attemptID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type recordAnswerRequest struct {
	QuestionOrder int    `json:"question_order"`
	AnswerText    string `json:"answer_text"`
}

func (h *Handler) handleRecordAnswer(w http.ResponseWriter, r *http.Request) {
	auth, ok := model.AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req recordAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.engine.RecordAnswer(r.Context(), auth, chi.URLParam(r, "attemptID"), req.QuestionOrder, req.AnswerText); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (h *Handler) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	auth, ok := model.AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	res, err := h.engine.Submit(r.Context(), auth, chi.URLParam(r, "attemptID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleAttemptResult(w http.ResponseWriter, r *http.Request) {
	auth, ok := model.AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	res, err := h.engine.Result(r.Context(), auth, chi.URLParam(r, "attemptID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
