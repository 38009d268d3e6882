package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Policy decides course chat access from directory data.
// Nothing is cached: every check reads the directory, so enrollment and
// ownership changes take effect on the next request.
type Policy struct {
	directory interfaces.CourseDirectory
	log       *slog.Logger
}

var _ interfaces.AccessChecker = (*Policy)(nil)

// NewPolicy creates a policy over the given directory
func NewPolicy(directory interfaces.CourseDirectory, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		directory: directory,
		log:       logger.With("component", "access"),
	}
}

// Check grants access to the owning instructor and to students with an
// active enrollment. Read and write intents follow the same rule.
// It returns the course on success so callers can avoid a second lookup.
func (p *Policy) Check(ctx context.Context, principal types.Principal, courseID string, intent types.Intent) (*types.Course, error) {
	course, err := p.directory.FindCourseByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		return nil, storeError(err)
	}

	switch principal.Role {
	case types.RoleInstructor:
		if course.InstructorID == principal.ID {
			return course, nil
		}
	case types.RoleStudent:
		enrollment, err := p.directory.FindEnrollment(ctx, principal.ID, courseID)
		if err != nil {
			return nil, storeError(err)
		}
		if enrollment.IsActive() {
			return course, nil
		}
	}

	p.log.Debug("course access denied",
		"user_id", principal.ID,
		"role", principal.Role,
		"course_id", courseID,
		"intent", intent.String(),
	)
	return nil, fmt.Errorf("%w: %s may not %s course %s", types.ErrForbidden, principal.ID, intent, courseID)
}

func storeError(err error) error {
	if errors.Is(err, types.ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrStore, err)
}
