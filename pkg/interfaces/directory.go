package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// CourseDirectory is the read-only view of course, enrollment and user data
// owned by the course-management collaborator.
type CourseDirectory interface {
	// FindCourseByID returns types.ErrNotFound when the course does not exist
	FindCourseByID(ctx context.Context, courseID string) (*types.Course, error)

	// FindEnrollment returns (nil, nil) when no enrollment links the pair
	FindEnrollment(ctx context.Context, studentID, courseID string) (*types.Enrollment, error)

	// FindUsers returns profiles keyed by user ID; unknown IDs are omitted
	FindUsers(ctx context.Context, userIDs []string) (map[string]*types.SenderProfile, error)
}

// AccessChecker decides whether a principal may read or write a course chat
type AccessChecker interface {
	Check(ctx context.Context, principal types.Principal, courseID string, intent types.Intent) (*types.Course, error)
}
