// Package attempt implements the timed attempt lifecycle: starting an attempt
// against a generated question set, accepting answer updates, lazily expiring
// past-deadline attempts, and scoring terminal submissions.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akulikov/examgate/internal/model"
	"github.com/akulikov/examgate/internal/pipeline"
)

var (
	// ErrNotConfigured means the assessment has no question specs; surfaced to
	// the instructor, never silently repaired.
	ErrNotConfigured = errors.New("assessment has no question specs")
	// ErrAttemptNotFound means no attempt exists with the given ID.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAttemptNotActive means a mutation was attempted on a terminal attempt.
	ErrAttemptNotActive = errors.New("attempt is not active")
	// ErrAttemptActive means a grading operation was attempted before the
	// attempt reached a terminal state.
	ErrAttemptActive = errors.New("attempt is still active")
	// ErrUnknownQuestion means the question order does not exist for the attempt.
	ErrUnknownQuestion = errors.New("unknown question order")
	// ErrNotGradable means a manual grade was offered for a machine-scored question.
	ErrNotGradable = errors.New("question is machine-scored")
	// ErrForbidden means the identity does not own the attempt.
	ErrForbidden = errors.New("attempt belongs to another student")
)

// Store is the narrow persistence interface the state machine runs against.
// *store.Store implements it; tests may substitute anything else.
type Store interface {
	GetAssessment(id int64) (model.Assessment, error)
	GetSpecs(assessmentID int64) ([]model.QuestionSpec, error)

	CreateAttempt(a model.Attempt) error
	GetAttempt(id string) (*model.Attempt, error)
	ActiveAttempt(studentID, assessmentID int64) (*model.Attempt, error)
	NextAttemptNumber(studentID, assessmentID int64) (int, error)
	TouchAttempt(id string, at time.Time) error
	FinalizeAttempt(id string, status model.AttemptStatus, completedAt time.Time, score float64) (bool, error)
	SetAttemptScore(id string, score float64) error

	ReplaceQuestions(attemptID string, questions []model.GeneratedQuestion) error
	ListQuestions(attemptID string) ([]model.GeneratedQuestion, error)

	UpsertAnswer(a model.Answer) (bool, error)
	ListAnswers(attemptID string) ([]model.Answer, error)
	SetAnswerScores(attemptID string, answers []model.Answer) error
	OverrideAnswerScore(attemptID string, questionOrder int, score float64) (bool, error)
}

// Engine is the attempt state machine. active is the sole initial state;
// submitted and expired are terminal and no transition leaves them.
type Engine struct {
	store    Store
	pipeline *pipeline.Pipeline
	floor    float64

	// now is swapped out in tests to control the clock.
	now func() time.Time
}

// New creates an engine. floor is the per-question score floor applied to
// negative marking.
func New(s Store, p *pipeline.Pipeline, floor float64) *Engine {
	return &Engine{store: s, pipeline: p, floor: floor, now: time.Now}
}

// QuestionView is a generated question as shown to the student: the correct
// answer is stripped.
type QuestionView struct {
	Order           int                `json:"order"`
	Type            model.QuestionType `json:"type"`
	Text            string             `json:"text"`
	Options         []string           `json:"options,omitempty"`
	PositiveMarks   float64            `json:"positive_marks"`
	NegativeMarks   float64            `json:"negative_marks"`
	DurationSeconds int                `json:"duration_seconds"`
}

// AnswerView is a stored answer as returned on resume.
type AnswerView struct {
	QuestionOrder int    `json:"question_order"`
	AnswerText    string `json:"answer_text"`
}

// StartResult is the response to a start operation.
type StartResult struct {
	AttemptID        string         `json:"attempt_id"`
	Resumed          bool           `json:"resumed"`
	RemainingSeconds int            `json:"remaining_seconds"`
	Questions        []QuestionView `json:"questions"`
	Answers          []AnswerView   `json:"answers,omitempty"`
}

// QuestionScore is one row of a scored attempt's breakdown.
type QuestionScore struct {
	Order              int                `json:"order"`
	Type               model.QuestionType `json:"type"`
	Answered           bool               `json:"answered"`
	ScoreAwarded       float64            `json:"score_awarded"`
	MaxMarks           float64            `json:"max_marks"`
	NeedsManualGrading bool               `json:"needs_manual_grading"`
	ManuallyGraded     bool               `json:"manually_graded"`
}

// Result is the scored outcome of a terminal attempt.
type Result struct {
	AttemptID          string              `json:"attempt_id"`
	Status             model.AttemptStatus `json:"status"`
	Score              float64             `json:"score"`
	TotalMarks         float64             `json:"total_marks"`
	NeedsManualGrading bool                `json:"needs_manual_grading"`
	Breakdown          []QuestionScore     `json:"per_question_breakdown"`
}

// StatusResult is the response to a status poll.
type StatusResult struct {
	AttemptID        string              `json:"attempt_id"`
	Status           model.AttemptStatus `json:"status"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Score            *float64            `json:"score,omitempty"`
}

// Start begins a student's attempt, or resumes the active one. Starting is
// idempotent: while an active attempt exists for the (student, assessment)
// pair, repeated starts return it instead of creating a duplicate.
func (e *Engine) Start(ctx context.Context, auth model.AuthContext, assessmentID int64) (*StartResult, error) {
	existing, err := e.store.ActiveAttempt(auth.UserID, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("look up active attempt: %w", err)
	}
	if existing != nil {
		existing, err = e.checkExpiry(existing)
		if err != nil {
			return nil, err
		}
		if existing.Status == model.StatusActive {
			return e.resume(existing)
		}
		// The previous attempt just expired; fall through to a fresh one.
	}

	specs, err := e.store.GetSpecs(assessmentID)
	if err != nil {
		return nil, fmt.Errorf("load question specs: %w", err)
	}
	if len(specs) == 0 {
		return nil, ErrNotConfigured
	}
	assessment, err := e.store.GetAssessment(assessmentID)
	if err != nil {
		return nil, fmt.Errorf("load assessment: %w", err)
	}

	attemptID := uuid.NewString()
	questions := e.pipeline.Materialize(ctx, attemptID, assessment, specs)

	totalDuration := 0
	for _, q := range questions {
		totalDuration += q.DurationSeconds
	}

	number, err := e.store.NextAttemptNumber(auth.UserID, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("next attempt number: %w", err)
	}

	now := e.now()
	att := model.Attempt{
		ID:            attemptID,
		StudentID:     auth.UserID,
		AssessmentID:  assessmentID,
		AttemptNumber: number,
		Status:        model.StatusActive,
		StartedAt:     now,
		EndAt:         now.Add(time.Duration(totalDuration) * time.Second),
		LastActivity:  now,
	}
	if err := e.store.CreateAttempt(att); err != nil {
		// A concurrent start may have won the one-active-attempt race;
		// resume whatever it created.
		if existing, lookupErr := e.store.ActiveAttempt(auth.UserID, assessmentID); lookupErr == nil && existing != nil {
			return e.resume(existing)
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	if err := e.store.ReplaceQuestions(attemptID, questions); err != nil {
		return nil, fmt.Errorf("persist question set: %w", err)
	}

	slog.Info("attempt started",
		"attempt_id", attemptID,
		"student_id", auth.UserID,
		"assessment_id", assessmentID,
		"questions", len(questions),
		"duration_seconds", totalDuration,
	)

	return &StartResult{
		AttemptID:        attemptID,
		Resumed:          false,
		RemainingSeconds: e.remainingSeconds(att),
		Questions:        stripAnswers(questions),
	}, nil
}

// RecordAnswer upserts a student's answer for one question. Permitted only
// while the attempt is active and its deadline has not passed; the last
// accepted write for a question order is authoritative.
func (e *Engine) RecordAnswer(ctx context.Context, auth model.AuthContext, attemptID string, questionOrder int, answerText string) error {
	att, err := e.authorized(auth, attemptID)
	if err != nil {
		return err
	}
	if att.Status != model.StatusActive {
		return ErrAttemptNotActive
	}

	questions, err := e.store.ListQuestions(attemptID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	if questionOrder < 1 || questionOrder > len(questions) {
		return ErrUnknownQuestion
	}

	now := e.now()
	ok, err := e.store.UpsertAnswer(model.Answer{
		AttemptID:     attemptID,
		QuestionOrder: questionOrder,
		AnswerText:    answerText,
		UpdatedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	if !ok {
		// A concurrent submit or expiry finalized the attempt between the
		// status check and the write.
		return ErrAttemptNotActive
	}
	return e.store.TouchAttempt(attemptID, now)
}

// Submit finalizes an active attempt and returns its scored result. Submitting
// is idempotent: a second call on a terminal attempt returns the existing
// result without further mutation, so network retries are safe.
func (e *Engine) Submit(ctx context.Context, auth model.AuthContext, attemptID string) (*Result, error) {
	att, err := e.authorized(auth, attemptID)
	if err != nil {
		return nil, err
	}
	if att.Status.Terminal() {
		return e.buildResult(att)
	}

	if err := e.finalize(att, model.StatusSubmitted, e.now()); err != nil {
		return nil, err
	}
	att, err = e.store.GetAttempt(attemptID)
	if err != nil {
		return nil, fmt.Errorf("reload attempt: %w", err)
	}
	return e.buildResult(att)
}

// Status reports the attempt's state and remaining time. Reading status
// triggers the lazy expiry check like every other access.
func (e *Engine) Status(ctx context.Context, auth model.AuthContext, attemptID string) (*StatusResult, error) {
	att, err := e.authorized(auth, attemptID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		AttemptID:        att.ID,
		Status:           att.Status,
		RemainingSeconds: e.remainingSeconds(*att),
		Score:            att.Score,
	}, nil
}

// Result returns the scored outcome of a terminal attempt.
func (e *Engine) Result(ctx context.Context, auth model.AuthContext, attemptID string) (*Result, error) {
	att, err := e.authorized(auth, attemptID)
	if err != nil {
		return nil, err
	}
	if !att.Status.Terminal() {
		return nil, ErrAttemptActive
	}
	return e.buildResult(att)
}

// OverrideScore records a manual grade for a short-answer question of a
// terminal attempt and re-scores the attempt from the full answer set.
func (e *Engine) OverrideScore(ctx context.Context, attemptID string, questionOrder int, score float64) (*Result, error) {
	att, err := e.store.GetAttempt(attemptID)
	if err != nil {
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	if att == nil {
		return nil, ErrAttemptNotFound
	}
	if !att.Status.Terminal() {
		return nil, ErrAttemptActive
	}

	questions, err := e.store.ListQuestions(attemptID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	var target *model.GeneratedQuestion
	for i := range questions {
		if questions[i].Order == questionOrder {
			target = &questions[i]
			break
		}
	}
	if target == nil {
		return nil, ErrUnknownQuestion
	}
	if target.Type.Objective() {
		return nil, ErrNotGradable
	}

	ok, err := e.store.OverrideAnswerScore(attemptID, questionOrder, score)
	if err != nil {
		return nil, fmt.Errorf("override score: %w", err)
	}
	if !ok {
		return nil, ErrUnknownQuestion
	}

	// Pure recomputation over the full answer set; the override survives
	// because the row is marked manually graded.
	answers, err := e.store.ListAnswers(attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	scored, total := scoreAnswers(questions, answers, e.floor)
	if err := e.store.SetAnswerScores(attemptID, scored); err != nil {
		return nil, fmt.Errorf("save answer scores: %w", err)
	}
	if err := e.store.SetAttemptScore(attemptID, total); err != nil {
		return nil, fmt.Errorf("save attempt score: %w", err)
	}

	slog.Info("manual grade recorded", "attempt_id", attemptID, "question_order", questionOrder, "score", score)

	att, err = e.store.GetAttempt(attemptID)
	if err != nil {
		return nil, fmt.Errorf("reload attempt: %w", err)
	}
	return e.buildResult(att)
}

// authorized loads an attempt, verifies ownership, and applies the lazy
// expiry check that every read path carries.
func (e *Engine) authorized(auth model.AuthContext, attemptID string) (*model.Attempt, error) {
	att, err := e.store.GetAttempt(attemptID)
	if err != nil {
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	if att == nil {
		return nil, ErrAttemptNotFound
	}
	if att.StudentID != auth.UserID && !auth.IsStaff() {
		return nil, ErrForbidden
	}
	return e.checkExpiry(att)
}

// checkExpiry finalizes an active attempt whose deadline has passed, scoring
// it exactly as an explicit submit at the deadline would have. Whichever of
// expiry and submit wins the check-and-set, the other is a no-op.
func (e *Engine) checkExpiry(att *model.Attempt) (*model.Attempt, error) {
	if att.Status != model.StatusActive || e.now().Before(att.EndAt) {
		return att, nil
	}

	if err := e.finalize(att, model.StatusExpired, att.EndAt); err != nil {
		return nil, err
	}
	reloaded, err := e.store.GetAttempt(att.ID)
	if err != nil {
		return nil, fmt.Errorf("reload attempt: %w", err)
	}
	return reloaded, nil
}

// finalize scores the attempt and performs the atomic active-to-terminal
// transition. Losing the check-and-set means another transition already won;
// the answer scores are only written by the winner.
func (e *Engine) finalize(att *model.Attempt, status model.AttemptStatus, completedAt time.Time) error {
	questions, err := e.store.ListQuestions(att.ID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	answers, err := e.store.ListAnswers(att.ID)
	if err != nil {
		return fmt.Errorf("list answers: %w", err)
	}
	scored, total := scoreAnswers(questions, answers, e.floor)

	won, err := e.store.FinalizeAttempt(att.ID, status, completedAt, total)
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	if !won {
		return nil
	}
	if err := e.store.SetAnswerScores(att.ID, scored); err != nil {
		return fmt.Errorf("save answer scores: %w", err)
	}
	slog.Info("attempt finalized", "attempt_id", att.ID, "status", status, "score", total)
	return nil
}

func (e *Engine) resume(att *model.Attempt) (*StartResult, error) {
	questions, err := e.store.ListQuestions(att.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	answers, err := e.store.ListAnswers(att.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	views := make([]AnswerView, 0, len(answers))
	for _, a := range answers {
		views = append(views, AnswerView{QuestionOrder: a.QuestionOrder, AnswerText: a.AnswerText})
	}

	return &StartResult{
		AttemptID:        att.ID,
		Resumed:          true,
		RemainingSeconds: e.remainingSeconds(*att),
		Questions:        stripAnswers(questions),
		Answers:          views,
	}, nil
}

func (e *Engine) buildResult(att *model.Attempt) (*Result, error) {
	questions, err := e.store.ListQuestions(att.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	answers, err := e.store.ListAnswers(att.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	answerByOrder := make(map[int]model.Answer, len(answers))
	for _, a := range answers {
		answerByOrder[a.QuestionOrder] = a
	}

	res := &Result{
		AttemptID: att.ID,
		Status:    att.Status,
	}
	if att.Score != nil {
		res.Score = *att.Score
	}
	for _, q := range questions {
		res.TotalMarks += q.PositiveMarks
		qs := QuestionScore{
			Order:    q.Order,
			Type:     q.Type,
			MaxMarks: q.PositiveMarks,
		}
		if a, ok := answerByOrder[q.Order]; ok {
			qs.Answered = strings.TrimSpace(a.AnswerText) != ""
			qs.ScoreAwarded = a.ScoreAwarded
			qs.NeedsManualGrading = a.NeedsManualGrading
			qs.ManuallyGraded = a.ManuallyGraded
			if qs.NeedsManualGrading {
				res.NeedsManualGrading = true
			}
		}
		res.Breakdown = append(res.Breakdown, qs)
	}
	return res, nil
}

// remainingSeconds derives the time left from the stored deadline; remaining
// time is never stored as a mutable counter.
func (e *Engine) remainingSeconds(att model.Attempt) int {
	if att.Status != model.StatusActive {
		return 0
	}
	remaining := att.EndAt.Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}

func stripAnswers(questions []model.GeneratedQuestion) []QuestionView {
	views := make([]QuestionView, 0, len(questions))
	for _, q := range questions {
		views = append(views, QuestionView{
			Order:           q.Order,
			Type:            q.Type,
			Text:            q.Text,
			Options:         q.Options,
			PositiveMarks:   q.PositiveMarks,
			NegativeMarks:   q.NegativeMarks,
			DurationSeconds: q.DurationSeconds,
		})
	}
	return views
}
