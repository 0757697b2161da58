package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akulikov/examgate/internal/model"

	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed keyed store for the attempt engine. All shared
// mutable state (attempts, answers, generated question sets) lives here; the
// state machine only ever touches it through narrow typed methods so the
// storage technology stays swappable.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		reference_links TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS question_specs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assessment_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		count INTEGER NOT NULL,
		options_per_question INTEGER NOT NULL DEFAULT 0,
		positive_marks REAL NOT NULL DEFAULT 1,
		negative_marks REAL NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 60,
		FOREIGN KEY (assessment_id) REFERENCES assessments(id)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		student_id INTEGER NOT NULL,
		assessment_id INTEGER NOT NULL,
		attempt_number INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		started_at DATETIME NOT NULL,
		end_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL,
		completed_at DATETIME,
		score REAL,
		FOREIGN KEY (assessment_id) REFERENCES assessments(id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_one_active
		ON attempts(student_id, assessment_id) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS generated_questions (
		attempt_id TEXT NOT NULL,
		question_order INTEGER NOT NULL,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL,
		positive_marks REAL NOT NULL,
		negative_marks REAL NOT NULL,
		duration_seconds INTEGER NOT NULL,
		PRIMARY KEY (attempt_id, question_order),
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		attempt_id TEXT NOT NULL,
		question_order INTEGER NOT NULL,
		answer_text TEXT NOT NULL,
		score_awarded REAL NOT NULL DEFAULT 0,
		needs_manual_grading INTEGER NOT NULL DEFAULT 0,
		manually_graded INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (attempt_id, question_order),
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateAssessment inserts an assessment together with its question specs.
func (s *Store) CreateAssessment(a model.Assessment, specs []model.QuestionSpec) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	links, err := json.Marshal(a.ReferenceLinks)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(
		`INSERT INTO assessments (title, description, reference_links, created_at) VALUES (?, ?, ?, ?)`,
		a.Title, a.Description, string(links), time.Now(),
	)
	if err != nil {
		return 0, err
	}
	assessmentID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, sp := range specs {
		_, err := tx.Exec(
			`INSERT INTO question_specs (assessment_id, type, count, options_per_question, positive_marks, negative_marks, duration_seconds)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			assessmentID, sp.Type, sp.Count, sp.OptionsPerQuestion, sp.PositiveMarks, sp.NegativeMarks, sp.DurationSeconds,
		)
		if err != nil {
			return 0, err
		}
	}

	return assessmentID, tx.Commit()
}

// GetAssessment returns an assessment by ID.
func (s *Store) GetAssessment(id int64) (model.Assessment, error) {
	var a model.Assessment
	var links string
	err := s.db.QueryRow(
		`SELECT id, title, description, reference_links, created_at FROM assessments WHERE id = ?`, id,
	).Scan(&a.ID, &a.Title, &a.Description, &links, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(links), &a.ReferenceLinks); err != nil {
		return a, fmt.Errorf("decode reference links: %w", err)
	}
	return a, nil
}

// ListAssessments returns all assessments ordered by ID.
func (s *Store) ListAssessments() ([]model.Assessment, error) {
	rows, err := s.db.Query(`SELECT id, title, description, reference_links, created_at FROM assessments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assessments []model.Assessment
	for rows.Next() {
		var a model.Assessment
		var links string
		if err := rows.Scan(&a.ID, &a.Title, &a.Description, &links, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(links), &a.ReferenceLinks); err != nil {
			return nil, fmt.Errorf("decode reference links: %w", err)
		}
		assessments = append(assessments, a)
	}
	return assessments, rows.Err()
}

// GetSpecs returns the question spec blocks for an assessment in declaration order.
func (s *Store) GetSpecs(assessmentID int64) ([]model.QuestionSpec, error) {
	rows, err := s.db.Query(
		`SELECT id, assessment_id, type, count, options_per_question, positive_marks, negative_marks, duration_seconds
		 FROM question_specs WHERE assessment_id = ? ORDER BY id`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var specs []model.QuestionSpec
	for rows.Next() {
		var sp model.QuestionSpec
		if err := rows.Scan(&sp.ID, &sp.AssessmentID, &sp.Type, &sp.Count, &sp.OptionsPerQuestion,
			&sp.PositiveMarks, &sp.NegativeMarks, &sp.DurationSeconds); err != nil {
			return nil, err
		}
		specs = append(specs, sp)
	}
	return specs, rows.Err()
}

// AssessmentCount returns the number of assessments in the database.
func (s *Store) AssessmentCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM assessments`).Scan(&count)
	return count, err
}
