package types

import (
	"math"
	"time"
)

// MaxTimestamp is the latest instant a stored CreatedAt can hold as unix nanoseconds
var MaxTimestamp = time.Unix(0, math.MaxInt64)

// Role names carried by an authenticated principal
const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Live frame types exchanged over the WebSocket transport
const (
	FrameJoinCourse  = "join_course"
	FrameLeaveCourse = "leave_course"
	FrameJoined      = "joined"
	FrameLeft        = "left"
	FrameNewMessage  = "new_message"
	FrameError       = "error"
)

// EnrollmentActive is the only enrollment status that grants chat access
const EnrollmentActive = "active"

// Role identifies what a principal is allowed to do across the LMS
type Role string

// Principal is an authenticated actor established upstream of the chat subsystem
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Intent distinguishes read and write access to a course chat.
// Both intents currently resolve through the same rule.
type Intent int

const (
	IntentRead Intent = iota
	IntentWrite
)

func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Course is the projection of a course the chat subsystem needs
type Course struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	InstructorID string `json:"instructor_id"`
}

// Enrollment links a student to a course
type Enrollment struct {
	StudentID  string    `json:"student_id"`
	CourseID   string    `json:"course_id"`
	Status     string    `json:"status"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// IsActive reports whether the enrollment currently grants access
func (e *Enrollment) IsActive() bool {
	return e != nil && e.Status == EnrollmentActive
}

// SenderProfile is the public projection of a message author
type SenderProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ChatMessage is an immutable chat entry owned by a course.
// Ordering within a course is (CreatedAt, Seq) ascending.
type ChatMessage struct {
	ID        string         `json:"id"`
	CourseID  string         `json:"course_id"`
	SenderID  string         `json:"sender_id"`
	Body      string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
	Seq       int64          `json:"seq"`
	Sender    *SenderProfile `json:"sender,omitempty"`
}

// Before reports whether m sorts strictly before other in course order
func (m *ChatMessage) Before(other *ChatMessage) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Seq < other.Seq
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Frame is the JSON envelope for every live transport message
type Frame struct {
	Type     string       `json:"type"`
	CourseID string       `json:"course_id,omitempty"`
	Message  *ChatMessage `json:"message,omitempty"`
	Error    string       `json:"error,omitempty"`
	Code     int          `json:"code,omitempty"`
}
