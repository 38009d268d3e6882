package interfaces

import (
	"context"
	"time"

	"coursechat/pkg/types"
)

// DefaultHistoryLimit applies when a history request omits a limit
const DefaultHistoryLimit = 50

// MessageStore is the durable, append-only log of chat messages per course.
// Implementations assign ID, CreatedAt and Seq; CreatedAt never decreases
// within a course for sequential appends.
type MessageStore interface {
	// Append writes one message atomically and returns the stored record.
	// Failures wrap types.ErrStore.
	Append(ctx context.Context, courseID, senderID, body string) (*types.ChatMessage, error)

	// ListByCourse returns up to limit most recent messages, oldest first.
	// A limit of zero or less means DefaultHistoryLimit.
	ListByCourse(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error)

	// ListByCourseSince returns every message with CreatedAt strictly after
	// the given instant, oldest first.
	ListByCourseSince(ctx context.Context, courseID string, after time.Time) ([]*types.ChatMessage, error)

	// CountByCourse returns the total number of messages in a course
	CountByCourse(ctx context.Context, courseID string) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// CoursePurger is implemented by message stores that keep messages outside
// the course directory's database and must drop them when a course is deleted
type CoursePurger interface {
	DeleteCourse(ctx context.Context, courseID string) error
}
