package store

import (
	"testing"
	"time"

	"github.com/akulikov/examgate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAssessment(t *testing.T, s *Store) int64 {
	t.Helper()
	id, err := s.CreateAssessment(
		model.Assessment{
			Title:          "TCP/IP fundamentals",
			Description:    "Layers, handshakes, and addressing.",
			ReferenceLinks: []string{"https://example.com/rfc793"},
		},
		[]model.QuestionSpec{
			{Type: model.TypeMultipleChoice, Count: 3, OptionsPerQuestion: 4, PositiveMarks: 2, NegativeMarks: 0.5, DurationSeconds: 60},
			{Type: model.TypeShortAnswer, Count: 1, PositiveMarks: 5, DurationSeconds: 180},
		},
	)
	if err != nil {
		t.Fatalf("failed to create assessment: %v", err)
	}
	return id
}

func seedAttempt(t *testing.T, s *Store, id string, studentID, assessmentID int64) model.Attempt {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	a := model.Attempt{
		ID:            id,
		StudentID:     studentID,
		AssessmentID:  assessmentID,
		AttemptNumber: 1,
		Status:        model.StatusActive,
		StartedAt:     now,
		EndAt:         now.Add(5 * time.Minute),
		LastActivity:  now,
	}
	if err := s.CreateAttempt(a); err != nil {
		t.Fatalf("failed to create attempt: %v", err)
	}
	return a
}

func TestCreateAndGetAssessment(t *testing.T) {
	s := newTestStore(t)
	id := seedAssessment(t, s)

	a, err := s.GetAssessment(id)
	if err != nil {
		t.Fatalf("GetAssessment: %v", err)
	}
	if a.Title != "TCP/IP fundamentals" {
		t.Errorf("title = %q", a.Title)
	}
	if len(a.ReferenceLinks) != 1 {
		t.Errorf("reference links = %v", a.ReferenceLinks)
	}

	specs, err := s.GetSpecs(id)
	if err != nil {
		t.Fatalf("GetSpecs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0].Type != model.TypeMultipleChoice || specs[0].Count != 3 {
		t.Errorf("first spec = %+v", specs[0])
	}
	if specs[1].PositiveMarks != 5 {
		t.Errorf("second spec marks = %g", specs[1].PositiveMarks)
	}
}

func TestActiveAttemptUniqueIndex(t *testing.T) {
	s := newTestStore(t)
	aid := seedAssessment(t, s)
	seedAttempt(t, s, "att-1", 1, aid)

	// A second active attempt for the same pair violates the partial index.
	dup := model.Attempt{
		ID: "att-2", StudentID: 1, AssessmentID: aid, AttemptNumber: 2,
		Status: model.StatusActive, StartedAt: time.Now(), EndAt: time.Now(), LastActivity: time.Now(),
	}
	if err := s.CreateAttempt(dup); err == nil {
		t.Fatal("second active attempt for same student+assessment should fail")
	}

	// A different student is fine.
	other := dup
	other.ID = "att-3"
	other.StudentID = 2
	if err := s.CreateAttempt(other); err != nil {
		t.Fatalf("attempt for different student rejected: %v", err)
	}

	got, err := s.ActiveAttempt(1, aid)
	if err != nil {
		t.Fatalf("ActiveAttempt: %v", err)
	}
	if got == nil || got.ID != "att-1" {
		t.Errorf("ActiveAttempt = %+v, want att-1", got)
	}
	if missing, _ := s.ActiveAttempt(99, aid); missing != nil {
		t.Errorf("ActiveAttempt for unknown student = %+v, want nil", missing)
	}
}

func TestFinalizeAttemptIsOneShot(t *testing.T) {
	s := newTestStore(t)
	aid := seedAssessment(t, s)
	att := seedAttempt(t, s, "att-1", 1, aid)

	won, err := s.FinalizeAttempt(att.ID, model.StatusSubmitted, att.EndAt, 4.5)
	if err != nil {
		t.Fatalf("FinalizeAttempt: %v", err)
	}
	if !won {
		t.Fatal("first finalize should win")
	}

	// Racing finalization loses without error.
	won, err = s.FinalizeAttempt(att.ID, model.StatusExpired, att.EndAt, 0)
	if err != nil {
		t.Fatalf("second FinalizeAttempt: %v", err)
	}
	if won {
		t.Fatal("second finalize should lose")
	}

	got, err := s.GetAttempt(att.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Status != model.StatusSubmitted {
		t.Errorf("status = %s, want submitted (loser must not overwrite)", got.Status)
	}
	if got.Score == nil || *got.Score != 4.5 {
		t.Errorf("score = %v, want 4.5", got.Score)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}

	// After finalization the aggregate score can still be replaced.
	if err := s.SetAttemptScore(att.ID, 7); err != nil {
		t.Fatalf("SetAttemptScore: %v", err)
	}
	got, _ = s.GetAttempt(att.ID)
	if got.Score == nil || *got.Score != 7 {
		t.Errorf("score after override = %v, want 7", got.Score)
	}
}

func TestNextAttemptNumber(t *testing.T) {
	s := newTestStore(t)
	aid := seedAssessment(t, s)

	n, err := s.NextAttemptNumber(1, aid)
	if err != nil {
		t.Fatalf("NextAttemptNumber: %v", err)
	}
	if n != 1 {
		t.Errorf("first attempt number = %d, want 1", n)
	}

	att := seedAttempt(t, s, "att-1", 1, aid)
	if _, err := s.FinalizeAttempt(att.ID, model.StatusExpired, att.EndAt, 0); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	n, err = s.NextAttemptNumber(1, aid)
	if err != nil {
		t.Fatalf("NextAttemptNumber: %v", err)
	}
	if n != 2 {
		t.Errorf("next attempt number = %d, want 2", n)
	}
}

func TestQuestionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	aid := seedAssessment(t, s)
	att := seedAttempt(t, s, "att-1", 1, aid)

	questions := []model.GeneratedQuestion{
		{AttemptID: att.ID, Order: 1, Type: model.TypeMultipleChoice, Text: "Which layer routes packets?",
			Options: []string{"Link", "Network", "Transport", "Application"}, CorrectAnswer: "Network",
			PositiveMarks: 2, NegativeMarks: 0.5, DurationSeconds: 60},
		{AttemptID: att.ID, Order: 2, Type: model.TypeShortAnswer, Text: "Describe slow start.",
			CorrectAnswer: "Congestion window growth", PositiveMarks: 5, DurationSeconds: 180},
	}
	if err := s.ReplaceQuestions(att.ID, questions); err != nil {
		t.Fatalf("ReplaceQuestions: %v", err)
	}

	got, err := s.ListQuestions(att.ID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d questions, want 2", len(got))
	}
	if got[0].Options[1] != "Network" {
		t.Errorf("options did not round-trip: %v", got[0].Options)
	}
	if got[1].Options != nil {
		t.Errorf("short answer options = %v, want nil", got[1].Options)
	}

	// Replacing discards the old set.
	if err := s.ReplaceQuestions(att.ID, questions[:1]); err != nil {
		t.Fatalf("ReplaceQuestions again: %v", err)
	}
	got, _ = s.ListQuestions(att.ID)
	if len(got) != 1 {
		t.Errorf("got %d questions after replace, want 1", len(got))
	}
}

func TestAnswerUpsertAndScoring(t *testing.T) {
	s := newTestStore(t)
	aid := seedAssessment(t, s)
	att := seedAttempt(t, s, "att-1", 1, aid)

	now := time.Now().UTC()
	if ok, err := s.UpsertAnswer(model.Answer{AttemptID: att.ID, QuestionOrder: 1, AnswerText: "draft", UpdatedAt: now}); err != nil || !ok {
		t.Fatalf("UpsertAnswer = %v, %v", ok, err)
	}
	if ok, err := s.UpsertAnswer(model.Answer{AttemptID: att.ID, QuestionOrder: 1, AnswerText: "final", UpdatedAt: now.Add(time.Second)}); err != nil || !ok {
		t.Fatalf("UpsertAnswer overwrite = %v, %v", ok, err)
	}

	answers, err := s.ListAnswers(att.ID)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(answers) != 1 || answers[0].AnswerText != "final" {
		t.Fatalf("answers = %+v, want single final", answers)
	}

	answers[0].ScoreAwarded = 2
	answers[0].NeedsManualGrading = true
	if err := s.SetAnswerScores(att.ID, answers); err != nil {
		t.Fatalf("SetAnswerScores: %v", err)
	}
	answers, _ = s.ListAnswers(att.ID)
	if answers[0].ScoreAwarded != 2 || !answers[0].NeedsManualGrading {
		t.Errorf("scores not stamped: %+v", answers[0])
	}
	if answers[0].ManuallyGraded {
		t.Error("SetAnswerScores must not mark answers manually graded")
	}

	ok, err := s.OverrideAnswerScore(att.ID, 1, 4)
	if err != nil {
		t.Fatalf("OverrideAnswerScore: %v", err)
	}
	if !ok {
		t.Fatal("override of existing answer should succeed")
	}
	answers, _ = s.ListAnswers(att.ID)
	if answers[0].ScoreAwarded != 4 || !answers[0].ManuallyGraded {
		t.Errorf("override not applied: %+v", answers[0])
	}

	if ok, _ := s.OverrideAnswerScore(att.ID, 99, 1); ok {
		t.Error("override of missing answer should report false")
	}
}

func TestUpsertAnswerRequiresActiveAttempt(t *testing.T) {
	s := newTestStore(t)
	aid := seedAssessment(t, s)
	att := seedAttempt(t, s, "att-1", 1, aid)

	if _, err := s.FinalizeAttempt(att.ID, model.StatusSubmitted, att.EndAt, 0); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// A write racing the finalization must not land on the terminal attempt.
	ok, err := s.UpsertAnswer(model.Answer{AttemptID: att.ID, QuestionOrder: 1, AnswerText: "late", UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("UpsertAnswer: %v", err)
	}
	if ok {
		t.Fatal("upsert on a terminal attempt should report false")
	}
	answers, err := s.ListAnswers(att.ID)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(answers) != 0 {
		t.Errorf("terminal attempt gained answers: %+v", answers)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)

	if h, err := s.GetImportedFileHash("assessments.json"); err != nil || h != "" {
		t.Fatalf("hash before import = %q, %v", h, err)
	}
	if err := s.SetImportedFileHash("assessments.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if err := s.SetImportedFileHash("assessments.json", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash overwrite: %v", err)
	}
	h, err := s.GetImportedFileHash("assessments.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if h != "def456" {
		t.Errorf("hash = %q, want def456", h)
	}
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateUser(model.User{Username: "asha", DisplayName: "Asha", PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := s.GetUserByUsername("asha")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u == nil || u.ID != id || u.Role != model.UserRoleStudent {
		t.Errorf("user = %+v", u)
	}

	if missing, err := s.GetUserByUsername("nobody"); err != nil || missing != nil {
		t.Errorf("unknown user = %+v, %v", missing, err)
	}

	if err := s.ToggleUserActive(id); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	u, _ = s.GetUserByID(id)
	if u.Active {
		t.Error("user still active after toggle")
	}
}

func TestAuthSessionExpiry(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateUser(model.User{Username: "asha", PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token, err := s.CreateAuthSession(id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	sess, err := s.GetAuthSession(token)
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if sess == nil || sess.UserID != id {
		t.Errorf("session = %+v", sess)
	}

	if err := s.DeleteAuthSession(token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	if sess, _ := s.GetAuthSession(token); sess != nil {
		t.Error("deleted session still resolves")
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateUser(model.User{Username: "asha", PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	stale, err := s.CreateAuthSession(id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	fresh, err := s.CreateAuthSession(id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE auth_sessions SET expires_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), stale); err != nil {
		t.Fatalf("backdate session: %v", err)
	}

	if err := s.CleanupExpiredSessions(); err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM auth_sessions WHERE id = ?`, stale).Scan(&count); err != nil {
		t.Fatalf("count stale: %v", err)
	}
	if count != 0 {
		t.Error("expired session survived cleanup")
	}
	if sess, _ := s.GetAuthSession(fresh); sess == nil {
		t.Error("live session removed by cleanup")
	}
}
