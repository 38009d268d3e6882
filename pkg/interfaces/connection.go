package interfaces

import "coursechat/pkg/types"

// Subscriber is a live connection that can be placed in a course group.
// The hub identifies subscribers by ID only, so a closed connection can
// still be removed from every group it joined.
type Subscriber interface {
	// ID is unique per live connection
	ID() string

	// Send queues a frame for delivery without blocking on the network.
	// Errors wrap types.ErrTransport.
	Send(frame *types.Frame) error
}

// Broadcaster fans persisted messages out to a course group.
// Publish queues the broadcast and returns a channel that yields exactly
// one report once every current subscriber has been attempted.
type Broadcaster interface {
	Publish(courseID string, message *types.ChatMessage) (<-chan DeliveryReport, error)
}

// DeliveryReport summarises one broadcast
type DeliveryReport struct {
	CourseID  string
	MessageID string
	Delivered int
	Failed    int
	Dropped   []string // subscribers removed because their transport is gone
}
