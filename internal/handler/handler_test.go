package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/akulikov/examgate/internal/attempt"
	"github.com/akulikov/examgate/internal/model"
	"github.com/akulikov/examgate/internal/pipeline"
	"github.com/akulikov/examgate/internal/store"
)

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("model unavailable")
}

type testServer struct {
	srv   *httptest.Server
	store *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	engine := attempt.New(s, pipeline.New(failingGenerator{}, time.Second), 0)
	h := New(s, engine)

	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: s}
}

func (ts *testServer) createUser(t *testing.T, username, password string, role model.UserRole) int64 {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	id, err := ts.store.CreateUser(model.User{
		Username: username, DisplayName: username, PasswordHash: string(hash), Role: role, Active: true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := ts.request(t, "POST", "/api/login", "", map[string]string{
		"username": username, "password": password,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login returned %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return body.Token
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestFullAttemptFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "prof", "secret", model.UserRoleInstructor)
	ts.createUser(t, "asha", "hunter2", model.UserRoleStudent)

	profToken := ts.login(t, "prof", "secret")
	ashaToken := ts.login(t, "asha", "hunter2")

	// Instructor authors an assessment.
	resp := ts.request(t, "POST", "/api/assessments", profToken, map[string]any{
		"title":       "HTTP basics",
		"description": "Verbs and status codes.",
		"question_specs": []map[string]any{
			{"type": "multiple_choice", "count": 2, "options_per_question": 4, "positive_marks": 2, "duration_per_question_seconds": 60},
			{"type": "true_false", "count": 1, "positive_marks": 1, "duration_per_question_seconds": 30},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create assessment returned %d", resp.StatusCode)
	}
	created := decodeBody[map[string]int64](t, resp)
	aid := created["id"]

	// Student starts. The generator always fails in tests, so the
	// deterministic fallback set comes back.
	resp = ts.request(t, "POST", fmt.Sprintf("/api/assessments/%d/attempts", aid), ashaToken, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start attempt returned %d", resp.StatusCode)
	}
	started := decodeBody[attempt.StartResult](t, resp)
	if len(started.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(started.Questions))
	}
	if started.RemainingSeconds != 150 {
		t.Errorf("remaining = %d, want 150", started.RemainingSeconds)
	}

	// Starting again resumes with 200, not 201.
	resp = ts.request(t, "POST", fmt.Sprintf("/api/assessments/%d/attempts", aid), ashaToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume returned %d", resp.StatusCode)
	}
	resumed := decodeBody[attempt.StartResult](t, resp)
	if !resumed.Resumed || resumed.AttemptID != started.AttemptID {
		t.Errorf("resume = %+v", resumed)
	}

	// Answer the boolean question and submit.
	resp = ts.request(t, "POST", "/api/attempts/"+started.AttemptID+"/answers", ashaToken, map[string]any{
		"question_order": 3, "answer_text": "true",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record answer returned %d", resp.StatusCode)
	}
	saved := decodeBody[map[string]bool](t, resp)
	if !saved["accepted"] {
		t.Errorf("record answer response = %v, want accepted true", saved)
	}

	resp = ts.request(t, "POST", "/api/attempts/"+started.AttemptID+"/submit", ashaToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit returned %d", resp.StatusCode)
	}
	result := decodeBody[attempt.Result](t, resp)
	if result.Status != model.StatusSubmitted {
		t.Errorf("status = %s", result.Status)
	}
	if result.Score != 1 {
		t.Errorf("score = %g, want 1 (fallback true_false answer is true)", result.Score)
	}
	if result.TotalMarks != 5 {
		t.Errorf("total = %g, want 5", result.TotalMarks)
	}

	// Answering after submission conflicts.
	resp = ts.request(t, "POST", "/api/attempts/"+started.AttemptID+"/answers", ashaToken, map[string]any{
		"question_order": 1, "answer_text": "late",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("post-submit answer returned %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuthEnforcement(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "asha", "hunter2", model.UserRoleStudent)
	token := ts.login(t, "asha", "hunter2")

	// No token.
	resp := ts.request(t, "GET", "/api/assessments", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated request returned %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Student hitting a staff route.
	resp = ts.request(t, "POST", "/api/assessments", token, map[string]any{"title": "nope"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("student create assessment returned %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// Bad credentials.
	resp = ts.request(t, "POST", "/api/login", "", map[string]string{"username": "asha", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login returned %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Logout invalidates the token.
	resp = ts.request(t, "POST", "/api/logout", token, nil)
	resp.Body.Close()
	resp = ts.request(t, "GET", "/api/assessments", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("request after logout returned %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUserAdministration(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "root", "toor", model.UserRoleAdmin)
	ts.createUser(t, "asha", "hunter2", model.UserRoleStudent)
	adminToken := ts.login(t, "root", "toor")
	ashaToken := ts.login(t, "asha", "hunter2")

	// Students cannot list users.
	resp := ts.request(t, "GET", "/api/users", ashaToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("student list users returned %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.request(t, "GET", "/api/users", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list users returned %d", resp.StatusCode)
	}
	users := decodeBody[[]map[string]any](t, resp)
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	for _, u := range users {
		if _, leaked := u["PasswordHash"]; leaked {
			t.Error("user listing leaks password hashes")
		}
		if _, leaked := u["password_hash"]; leaked {
			t.Error("user listing leaks password hashes")
		}
	}

	// Deactivate the student; their session stops resolving.
	var ashaID int64
	for _, u := range users {
		if u["username"] == "asha" {
			ashaID = int64(u["id"].(float64))
		}
	}
	resp = ts.request(t, "POST", fmt.Sprintf("/api/users/%d/toggle", ashaID), adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle returned %d", resp.StatusCode)
	}
	toggled := decodeBody[map[string]bool](t, resp)
	if toggled["active"] {
		t.Error("toggle should report the user inactive")
	}

	resp = ts.request(t, "GET", "/api/assessments", ashaToken, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("deactivated user request returned %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Toggling an unknown user is a 404.
	resp = ts.request(t, "POST", "/api/users/9999/toggle", adminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("toggle of unknown user returned %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStartUnconfiguredAssessment(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "asha", "hunter2", model.UserRoleStudent)
	token := ts.login(t, "asha", "hunter2")

	id, err := ts.store.CreateAssessment(model.Assessment{Title: "draft"}, nil)
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}

	resp := ts.request(t, "POST", fmt.Sprintf("/api/assessments/%d/attempts", id), token, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unconfigured start returned %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestManualGradeOverride(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "prof", "secret", model.UserRoleInstructor)
	ts.createUser(t, "asha", "hunter2", model.UserRoleStudent)
	profToken := ts.login(t, "prof", "secret")
	ashaToken := ts.login(t, "asha", "hunter2")

	aid, err := ts.store.CreateAssessment(model.Assessment{Title: "essay"}, []model.QuestionSpec{
		{Type: model.TypeShortAnswer, Count: 1, PositiveMarks: 5, DurationSeconds: 120},
	})
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}

	resp := ts.request(t, "POST", fmt.Sprintf("/api/assessments/%d/attempts", aid), ashaToken, nil)
	started := decodeBody[attempt.StartResult](t, resp)

	resp = ts.request(t, "POST", "/api/attempts/"+started.AttemptID+"/answers", ashaToken, map[string]any{
		"question_order": 1, "answer_text": "an essay about caching",
	})
	resp.Body.Close()

	resp = ts.request(t, "POST", "/api/attempts/"+started.AttemptID+"/submit", ashaToken, nil)
	submitted := decodeBody[attempt.Result](t, resp)
	if !submitted.NeedsManualGrading {
		t.Error("short answer attempt should need manual grading")
	}

	// Student cannot grade.
	resp = ts.request(t, "POST", "/api/attempts/"+started.AttemptID+"/grades/1", ashaToken, map[string]any{"score": 5})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("student grade returned %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.request(t, "POST", "/api/attempts/"+started.AttemptID+"/grades/1", profToken, map[string]any{"score": 4})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override returned %d", resp.StatusCode)
	}
	graded := decodeBody[attempt.Result](t, resp)
	if graded.Score != 4 {
		t.Errorf("score = %g, want 4", graded.Score)
	}
	if graded.NeedsManualGrading {
		t.Error("fully graded attempt still flagged for manual grading")
	}

	// The student sees the updated result.
	resp = ts.request(t, "GET", "/api/attempts/"+started.AttemptID+"/result", ashaToken, nil)
	final := decodeBody[attempt.Result](t, resp)
	if final.Score != 4 {
		t.Errorf("student-visible score = %g, want 4", final.Score)
	}
}
