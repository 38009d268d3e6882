package types

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxBodyLength is the upper bound on a trimmed message body, in characters
const MaxBodyLength = 1000

var (
	idRegex  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validate = validator.New()
)

// IsValidID checks course, user and connection identifiers.
// Colons are excluded so IDs can be embedded in ordered storage keys.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// NormalizeBody trims surrounding whitespace and enforces 1..max characters.
// A max of zero or less falls back to MaxBodyLength.
func NormalizeBody(raw string, max int) (string, error) {
	if max <= 0 {
		max = MaxBodyLength
	}
	body := strings.TrimSpace(raw)

	// validator counts runes for string max, not bytes
	err := validate.Var(body, "required,max="+strconv.Itoa(max))
	if err == nil {
		return body, nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Tag() == "max" {
		return "", fmt.Errorf("%w: %w (max %d characters)", ErrValidation, ErrBodyTooLong, max)
	}
	return "", fmt.Errorf("%w: %w", ErrValidation, ErrEmptyBody)
}

// Validate checks a client frame before it reaches the hub
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameJoinCourse, FrameLeaveCourse:
	default:
		return fmt.Errorf("%w: %w %q", ErrValidation, ErrUnknownFrame, f.Type)
	}
	if f.CourseID == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrMissingCourseID)
	}
	if !IsValidID(f.CourseID) {
		return fmt.Errorf("%w: %w", ErrValidation, ErrInvalidID)
	}
	return nil
}
