package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "coursechat/pkg/database"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the SQLite-backed message store and course directory.
// All writes funnel through one goroutine; reads use the pool directly.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	// lastCreated is owned by the write loop: courseID -> last created_at (unix nanos)
	lastCreated map[string]int64
}

var (
	_ interfaces.MessageStore    = (*Manager)(nil)
	_ interfaces.CourseDirectory = (*Manager)(nil)
)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the SQLite database and starts the write loop.
// Call Migrate before serving traffic.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.Pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return NewManagerWithDB(db, config, logger), nil
}

// NewManagerWithDB wraps an already opened pool
func NewManagerWithDB(db *sql.DB, config *dbconfig.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		db:           db,
		config:       config,
		log:          logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		lastCreated:  make(map[string]int64),
	}

	m.wg.Add(1)
	go m.writeLoop()
	return m
}

// Migrate applies the embedded schema migrations and validates the result
func (m *Manager) Migrate() error {
	if err := dbconfig.NewMigrationManager(m.db).ApplyMigrations(); err != nil {
		return err
	}
	return dbconfig.NewSchemaValidator(m.db).Validate()
}

// writeLoop serialises writes; failures are returned to the caller, never retried
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- op.operation(m.db)
		case <-m.shutdown:
			m.log.Info("database write loop shutting down")
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- ErrManagerClosed
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// Append stores a chat message with a server-assigned id, timestamp and sequence
func (m *Manager) Append(ctx context.Context, courseID, senderID, body string) (*types.ChatMessage, error) {
	message := &types.ChatMessage{
		ID:       uuid.New().String(),
		CourseID: courseID,
		SenderID: senderID,
		Body:     body,
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		created, err := m.nextTimestamp(ctx, db, courseID)
		if err != nil {
			return err
		}

		res, err := db.ExecContext(ctx, `
			INSERT INTO chat_messages (id, course_id, sender_id, body, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, message.ID, courseID, senderID, body, created)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read message sequence: %w", err)
		}

		m.lastCreated[courseID] = created
		message.CreatedAt = time.Unix(0, created).UTC()
		message.Seq = seq
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStore, err)
	}
	return message, nil
}

// nextTimestamp runs on the write loop. It never hands out a created_at
// lower than the latest one already stored for the course.
func (m *Manager) nextTimestamp(ctx context.Context, db *sql.DB, courseID string) (int64, error) {
	last, ok := m.lastCreated[courseID]
	if !ok {
		err := db.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(created_at), 0) FROM chat_messages WHERE course_id = ?",
			courseID,
		).Scan(&last)
		if err != nil {
			return 0, fmt.Errorf("failed to read last timestamp: %w", err)
		}
	}

	now := time.Now().UnixNano()
	if now < last {
		now = last
	}
	return now, nil
}

const messageColumns = "seq, id, course_id, sender_id, body, created_at"

// ListByCourse returns the newest limit messages in ascending order
func (m *Manager) ListByCourse(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = interfaces.DefaultHistoryLimit
	}

	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM chat_messages
			WHERE course_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC
	`
	return m.queryMessages(ctx, query, courseID, limit)
}

// ListByCourseSince returns every message strictly newer than after
func (m *Manager) ListByCourseSince(ctx context.Context, courseID string, after time.Time) ([]*types.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE course_id = ? AND created_at > ?
		ORDER BY created_at ASC, seq ASC
	`
	if !after.Before(types.MaxTimestamp) {
		return []*types.ChatMessage{}, nil
	}
	var since int64 = -1
	if after.After(time.Unix(0, 0)) {
		since = after.UnixNano()
	}
	return m.queryMessages(ctx, query, courseID, since)
}

func (m *Manager) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*types.ChatMessage, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query messages: %w", types.ErrStore, err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.ChatMessage, 0)
	for rows.Next() {
		var (
			message types.ChatMessage
			created int64
		)
		if err := rows.Scan(
			&message.Seq,
			&message.ID,
			&message.CourseID,
			&message.SenderID,
			&message.Body,
			&created,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan message row: %w", types.ErrStore, err)
		}
		message.CreatedAt = time.Unix(0, created).UTC()
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating message rows: %w", types.ErrStore, err)
	}
	return messages, nil
}

// CountByCourse returns the number of stored messages for a course
func (m *Manager) CountByCourse(ctx context.Context, courseID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_messages WHERE course_id = ?",
		courseID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count messages: %w", types.ErrStore, err)
	}
	return count, nil
}

// FindCourseByID looks a course up by id
func (m *Manager) FindCourseByID(ctx context.Context, courseID string) (*types.Course, error) {
	var course types.Course
	err := m.db.QueryRowContext(ctx,
		"SELECT id, title, instructor_id FROM courses WHERE id = ?",
		courseID,
	).Scan(&course.ID, &course.Title, &course.InstructorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: course %s", types.ErrNotFound, courseID)
		}
		return nil, fmt.Errorf("%w: failed to query course: %w", types.ErrStore, err)
	}
	return &course, nil
}

// FindEnrollment returns nil without error when the student is not enrolled
func (m *Manager) FindEnrollment(ctx context.Context, studentID, courseID string) (*types.Enrollment, error) {
	var (
		enrollment types.Enrollment
		enrolledAt int64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT student_id, course_id, status, enrolled_at
		FROM enrollments
		WHERE student_id = ? AND course_id = ?
	`, studentID, courseID).Scan(
		&enrollment.StudentID,
		&enrollment.CourseID,
		&enrollment.Status,
		&enrolledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to query enrollment: %w", types.ErrStore, err)
	}
	enrollment.EnrolledAt = time.Unix(0, enrolledAt).UTC()
	return &enrollment, nil
}

// FindUsers loads sender profiles for the given ids
func (m *Manager) FindUsers(ctx context.Context, userIDs []string) (map[string]*types.SenderProfile, error) {
	profiles := make(map[string]*types.SenderProfile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT id, name, email, avatar_url FROM users WHERE id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query users: %w", types.ErrStore, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			profile types.SenderProfile
			avatar  sql.NullString
		)
		if err := rows.Scan(&profile.ID, &profile.Name, &profile.Email, &avatar); err != nil {
			return nil, fmt.Errorf("%w: failed to scan user row: %w", types.ErrStore, err)
		}
		if avatar.Valid {
			profile.AvatarURL = avatar.String
		}
		profiles[profile.ID] = &profile
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating user rows: %w", types.ErrStore, err)
	}
	return profiles, nil
}

// CreateUser inserts a user row. Used by local setups and tests; user
// management itself belongs to the identity collaborator.
func (m *Manager) CreateUser(ctx context.Context, profile types.SenderProfile, role types.Role) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var avatar sql.NullString
		if profile.AvatarURL != "" {
			avatar = sql.NullString{String: profile.AvatarURL, Valid: true}
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, name, email, avatar_url, role, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, profile.ID, profile.Name, profile.Email, avatar, string(role), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
}

// CreateCourse inserts a course row
func (m *Manager) CreateCourse(ctx context.Context, course types.Course) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO courses (id, title, instructor_id, created_at)
			VALUES (?, ?, ?, ?)
		`, course.ID, course.Title, course.InstructorID, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert course: %w", err)
		}
		return nil
	})
}

// Enroll creates or reactivates an enrollment
func (m *Manager) Enroll(ctx context.Context, studentID, courseID string) error {
	return m.SetEnrollmentStatus(ctx, studentID, courseID, types.EnrollmentActive)
}

// SetEnrollmentStatus upserts the enrollment with the given status
func (m *Manager) SetEnrollmentStatus(ctx context.Context, studentID, courseID, status string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO enrollments (student_id, course_id, status, enrolled_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (student_id, course_id) DO UPDATE SET status = excluded.status
		`, studentID, courseID, status, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to upsert enrollment: %w", err)
		}
		return nil
	})
}

// DeleteCourse removes a course; its enrollments and chat messages cascade
func (m *Manager) DeleteCourse(ctx context.Context, courseID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "DELETE FROM courses WHERE id = ?", courseID); err != nil {
			return fmt.Errorf("failed to delete course: %w", err)
		}
		delete(m.lastCreated, courseID)
		return nil
	})
}

// HealthCheck validates connectivity and that the chat table is readable
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB exposes the pool for migrations and diagnostics
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the write loop and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
