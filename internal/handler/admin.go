package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/go-chi/chi/v5"

	"github.com/akulikov/examgate/internal/model"
)

type createAssessmentRequest struct {
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	ReferenceLinks []string           `json:"reference_links"`
	Specs          []model.SpecImport `json:"question_specs"`
}

func (h *Handler) handleCreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req createAssessmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title required")
		return
	}

	specs := make([]model.QuestionSpec, 0, len(req.Specs))
	for _, si := range req.Specs {
		if !model.IsValidType(si.Type) {
			writeError(w, http.StatusBadRequest, "unknown question type: "+string(si.Type))
			return
		}
		if si.Count < 1 {
			writeError(w, http.StatusBadRequest, "spec count must be positive")
			return
		}
		if si.Type == model.TypeMultipleChoice && si.OptionsPerQuestion < 2 {
			writeError(w, http.StatusBadRequest, "multiple choice specs need at least 2 options")
			return
		}
		specs = append(specs, model.QuestionSpec{
			Type:               si.Type,
			Count:              si.Count,
			OptionsPerQuestion: si.OptionsPerQuestion,
			PositiveMarks:      si.PositiveMarks,
			NegativeMarks:      si.NegativeMarks,
			DurationSeconds:    si.DurationSeconds,
		})
	}

	id, err := h.store.CreateAssessment(model.Assessment{
		Title:          req.Title,
		Description:    req.Description,
		ReferenceLinks: req.ReferenceLinks,
	}, specs)
	if err != nil {
		slog.Error("failed to create assessment", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("assessment created", "id", id, "title", req.Title, "specs", len(specs))
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.store.ListAttempts()
	if err != nil {
		slog.Error("failed to list attempts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

type overrideScoreRequest struct {
	Score float64 `json:"score"`
}

func (h *Handler) handleOverrideScore(w http.ResponseWriter, r *http.Request) {
	order, err := strconv.Atoi(chi.URLParam(r, "questionOrder"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid question order")
		return
	}

	var req overrideScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.engine.OverrideScore(r.Context(), chi.URLParam(r, "attemptID"), order, req.Score)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// userView is a user as exposed over the API; the password hash never leaves
// the store.
type userView struct {
	ID          int64          `json:"id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Role        model.UserRole `json:"role"`
	Active      bool           `json:"active"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Role:        u.Role,
			Active:      u.Active,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	user, err := h.store.GetUserByID(id)
	if err != nil {
		slog.Error("failed to get user", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if err := h.store.ToggleUserActive(id); err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": !user.Active})
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}
	if req.Role == "" {
		req.Role = model.UserRoleStudent
	}

	id, err := h.store.CreateUser(model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		slog.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}
