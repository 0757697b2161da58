package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleInstructor is an instructor user role.
	UserRoleInstructor UserRole = "instructor"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthContext carries the verified identity for an attempt operation.
// It is constructed by the HTTP auth middleware (or directly in tests)
// and passed explicitly into every engine call.
type AuthContext struct {
	UserID int64
	Role   UserRole
}

// IsStaff reports whether the identity may act on other students' attempts.
func (a AuthContext) IsStaff() bool {
	return a.Role == UserRoleInstructor || a.Role == UserRoleAdmin
}

type authCtxKey struct{}

// ContextWithAuth stores an AuthContext in the request context.
func ContextWithAuth(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey{}, a)
}

// AuthFromContext retrieves the AuthContext from context.
// The second return value is false when no identity was attached.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(authCtxKey{}).(AuthContext)
	return a, ok
}

// QuestionType identifies the kind of question a spec produces.
type QuestionType string

const (
	TypeMultipleChoice QuestionType = "multiple_choice"
	TypeShortAnswer    QuestionType = "short_answer"
	TypeTrueFalse      QuestionType = "true_false"
)

// ValidTypes lists every question type the generator may be asked for.
var ValidTypes = []QuestionType{TypeMultipleChoice, TypeShortAnswer, TypeTrueFalse}

// IsValidType checks whether t is a known question type.
func IsValidType(t QuestionType) bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Objective reports whether answers of this type can be machine-scored.
func (t QuestionType) Objective() bool {
	return t == TypeMultipleChoice || t == TypeTrueFalse
}

// AttemptStatus represents the lifecycle state of an attempt.
type AttemptStatus string

const (
	StatusActive    AttemptStatus = "active"
	StatusSubmitted AttemptStatus = "submitted"
	StatusExpired   AttemptStatus = "expired"
)

// Terminal reports whether no further transitions may leave this state.
func (s AttemptStatus) Terminal() bool {
	return s == StatusSubmitted || s == StatusExpired
}

// Assessment is an instructor-authored container for question specs.
type Assessment struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	ReferenceLinks []string  `json:"reference_links,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// QuestionSpec is an instructor-declared block describing how many questions
// of a type to generate and their scoring and timing. Immutable once any
// attempt has consumed it.
type QuestionSpec struct {
	ID                 int64        `json:"id"`
	AssessmentID       int64        `json:"assessment_id"`
	Type               QuestionType `json:"type"`
	Count              int          `json:"count"`
	OptionsPerQuestion int          `json:"options_per_question,omitempty"`
	PositiveMarks      float64      `json:"positive_marks"`
	NegativeMarks      float64      `json:"negative_marks"`
	DurationSeconds    int          `json:"duration_per_question_seconds"`
}

// GeneratedQuestion is one concrete question instance, validated or
// synthesized, frozen to a specific attempt.
type GeneratedQuestion struct {
	AttemptID       string       `json:"-"`
	Order           int          `json:"order"`
	Type            QuestionType `json:"type"`
	Text            string       `json:"text"`
	Options         []string     `json:"options,omitempty"`
	CorrectAnswer   string       `json:"correct_answer"`
	PositiveMarks   float64      `json:"positive_marks"`
	NegativeMarks   float64      `json:"negative_marks"`
	DurationSeconds int          `json:"duration_seconds"`
}

// Attempt is one student's timed pass through an assessment's generated
// questions. Time remaining is always derived from EndAt, never stored.
type Attempt struct {
	ID            string        `json:"id"`
	StudentID     int64         `json:"student_id"`
	AssessmentID  int64         `json:"assessment_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	EndAt         time.Time     `json:"end_at"`
	LastActivity  time.Time     `json:"last_activity"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Score         *float64      `json:"score,omitempty"`
}

// Answer is a student's response to one question of an attempt, upserted by
// question order while the attempt is active.
type Answer struct {
	AttemptID          string    `json:"attempt_id"`
	QuestionOrder      int       `json:"question_order"`
	AnswerText         string    `json:"answer_text"`
	ScoreAwarded       float64   `json:"score_awarded"`
	NeedsManualGrading bool      `json:"needs_manual_grading"`
	ManuallyGraded     bool      `json:"manually_graded"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AssessmentImport is used for bulk-loading assessments from JSON files.
type AssessmentImport struct {
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	ReferenceLinks []string     `json:"reference_links"`
	Specs          []SpecImport `json:"question_specs"`
}

// SpecImport is one question spec block inside an AssessmentImport.
type SpecImport struct {
	Type               QuestionType `json:"type"`
	Count              int          `json:"count"`
	OptionsPerQuestion int          `json:"options_per_question"`
	PositiveMarks      float64      `json:"positive_marks"`
	NegativeMarks      float64      `json:"negative_marks"`
	DurationSeconds    int          `json:"duration_per_question_seconds"`
}
