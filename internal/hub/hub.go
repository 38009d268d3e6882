package hub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Config sizes the broadcast dispatchers
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns the production dispatcher sizing
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 1024}
}

// Hub tracks which live connections are subscribed to which course and
// fans persisted messages out to them.
//
// Each course group has its own lock, so joins and broadcasts in one course
// never wait on another course. Membership changes and broadcast iteration
// in the same course exclude each other. Broadcasts for a course always land on the
// same dispatcher, which keeps delivery order equal to publish order.
type Hub struct {
	config Config
	log    *slog.Logger

	mu     sync.RWMutex // guards groups; taken before any group lock
	groups map[string]*group

	membersMu   sync.Mutex
	memberships map[string]map[string]struct{} // subscriber ID -> course IDs

	queues   []chan *broadcast
	shutdown chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.RWMutex

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type group struct {
	mu        sync.RWMutex
	members   map[string]interfaces.Subscriber
	discarded bool
}

type broadcast struct {
	courseID string
	message  *types.ChatMessage
	report   chan interfaces.DeliveryReport
}

// Stats is a point-in-time view of hub activity
type Stats struct {
	Groups        int   `json:"groups"`
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
}

var _ interfaces.Broadcaster = (*Hub)(nil)

// NewHub creates a stopped hub
func NewHub(config Config, logger *slog.Logger) *Hub {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		config:      config,
		log:         logger.With("component", "hub"),
		groups:      make(map[string]*group),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Start launches the dispatcher workers. They stop on Stop or when ctx
// ends; either way Publish is refused from then on and queued broadcasts
// are flushed before the workers exit.
func (h *Hub) Start(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}

	h.queues = make([]chan *broadcast, h.config.Workers)
	h.shutdown = make(chan struct{})
	for i := range h.queues {
		h.queues[i] = make(chan *broadcast, h.config.QueueSize)
		h.wg.Add(1)
		go h.dispatch(h.queues[i], h.shutdown)
	}
	h.wg.Add(1)
	go h.watch(ctx, h.shutdown)
	h.running = true

	h.log.Info("hub started", "workers", h.config.Workers, "queue_size", h.config.QueueSize)
	return nil
}

// Stop refuses new broadcasts, lets the workers flush queued ones and waits.
// It returns ErrHubNotRunning if the hub was never started or already stopped.
func (h *Hub) Stop() error {
	stopped := h.halt(nil)
	h.wg.Wait()
	if !stopped {
		return ErrHubNotRunning
	}
	h.log.Info("hub stopped")
	return nil
}

// halt marks the hub stopped and signals the workers of the current run.
// A non-nil shutdown only halts the run it belongs to.
func (h *Hub) halt(shutdown chan struct{}) bool {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if !h.running || (shutdown != nil && shutdown != h.shutdown) {
		return false
	}
	h.running = false
	close(h.shutdown)
	return true
}

func (h *Hub) watch(ctx context.Context, shutdown chan struct{}) {
	defer h.wg.Done()
	select {
	case <-ctx.Done():
		if h.halt(shutdown) {
			h.log.Info("hub stopping", "reason", ctx.Err())
		}
	case <-shutdown:
	}
}

// Join adds sub to the course group. Joining twice is a no-op.
func (h *Hub) Join(courseID string, sub interfaces.Subscriber) error {
	if sub == nil || courseID == "" {
		return ErrInvalidSubscriber
	}

	for {
		g := h.groupFor(courseID, true)
		g.mu.Lock()
		if g.discarded {
			// lost a race with the last member leaving
			g.mu.Unlock()
			continue
		}
		g.members[sub.ID()] = sub
		g.mu.Unlock()
		break
	}

	h.membersMu.Lock()
	courses, ok := h.memberships[sub.ID()]
	if !ok {
		courses = make(map[string]struct{})
		h.memberships[sub.ID()] = courses
	}
	courses[courseID] = struct{}{}
	h.membersMu.Unlock()

	h.log.Debug("subscriber joined", "course_id", courseID, "conn_id", sub.ID())
	return nil
}

// Leave removes the subscriber from one course group.
// Leaving a group the subscriber is not in is a no-op.
func (h *Hub) Leave(courseID, subscriberID string) {
	h.removeMember(courseID, subscriberID)

	h.membersMu.Lock()
	if courses, ok := h.memberships[subscriberID]; ok {
		delete(courses, courseID)
		if len(courses) == 0 {
			delete(h.memberships, subscriberID)
		}
	}
	h.membersMu.Unlock()

	h.log.Debug("subscriber left", "course_id", courseID, "conn_id", subscriberID)
}

// Disconnect removes the subscriber from every group it joined and
// returns how many memberships were released.
func (h *Hub) Disconnect(subscriberID string) int {
	h.membersMu.Lock()
	courses := h.memberships[subscriberID]
	delete(h.memberships, subscriberID)
	h.membersMu.Unlock()

	for courseID := range courses {
		h.removeMember(courseID, subscriberID)
	}
	if len(courses) > 0 {
		h.log.Debug("subscriber disconnected", "conn_id", subscriberID, "groups", len(courses))
	}
	return len(courses)
}

// Publish queues message for delivery to the current members of its course.
// The returned channel yields exactly one report and is then closed.
func (h *Hub) Publish(courseID string, message *types.ChatMessage) (<-chan interfaces.DeliveryReport, error) {
	h.runMu.RLock()
	defer h.runMu.RUnlock()
	if !h.running {
		return nil, ErrHubNotRunning
	}

	b := &broadcast{
		courseID: courseID,
		message:  message,
		report:   make(chan interfaces.DeliveryReport, 1),
	}

	select {
	case h.queues[h.shard(courseID)] <- b:
		h.published.Add(1)
		return b.report, nil
	default:
		return nil, ErrQueueFull
	}
}

// GroupSize returns the number of subscribers in a course group
func (h *Hub) GroupSize(courseID string) int {
	g := h.groupFor(courseID, false)
	if g == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// IsMember reports whether the subscriber is in the course group
func (h *Hub) IsMember(courseID, subscriberID string) bool {
	g := h.groupFor(courseID, false)
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[subscriberID]
	return ok
}

// Stats returns current counters
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	groups := len(h.groups)
	h.mu.RUnlock()

	h.membersMu.Lock()
	subscriptions := 0
	for _, courses := range h.memberships {
		subscriptions += len(courses)
	}
	h.membersMu.Unlock()

	return Stats{
		Groups:        groups,
		Subscriptions: subscriptions,
		Published:     h.published.Load(),
		Delivered:     h.delivered.Load(),
		Failed:        h.failed.Load(),
		Dropped:       h.dropped.Load(),
	}
}

func (h *Hub) dispatch(queue chan *broadcast, shutdown chan struct{}) {
	defer h.wg.Done()

	for {
		select {
		case b := <-queue:
			h.deliver(b)
		case <-shutdown:
			h.drain(queue)
			return
		}
	}
}

func (h *Hub) drain(queue chan *broadcast) {
	for {
		select {
		case b := <-queue:
			h.deliver(b)
		default:
			return
		}
	}
}

// deliver sends one broadcast to the group while holding its read lock, so
// a Leave or Disconnect waits for the broadcast in progress. A failing
// subscriber never prevents delivery to the others.
func (h *Hub) deliver(b *broadcast) {
	report := interfaces.DeliveryReport{CourseID: b.courseID}
	if b.message != nil {
		report.MessageID = b.message.ID
	}
	defer func() {
		b.report <- report
		close(b.report)
	}()

	g := h.groupFor(b.courseID, false)
	if g == nil {
		return
	}

	frame := &types.Frame{
		Type:     types.FrameNewMessage,
		CourseID: b.courseID,
		Message:  b.message,
	}

	g.mu.RLock()
	for _, sub := range g.members {
		if err := h.send(sub, frame); err != nil {
			report.Failed++
			h.log.Warn("broadcast delivery failed",
				"course_id", b.courseID,
				"conn_id", sub.ID(),
				"message_id", report.MessageID,
				"error", err,
			)
			if errors.Is(err, types.ErrConnectionClosed) {
				report.Dropped = append(report.Dropped, sub.ID())
			}
			continue
		}
		report.Delivered++
	}
	g.mu.RUnlock()

	// removal takes the group's write lock
	for _, id := range report.Dropped {
		h.Disconnect(id)
	}

	h.delivered.Add(int64(report.Delivered))
	h.failed.Add(int64(report.Failed))
	h.dropped.Add(int64(len(report.Dropped)))
}

// send isolates a panicking subscriber the same way as an erroring one
func (h *Hub) send(sub interfaces.Subscriber, frame *types.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: subscriber panicked: %v", types.ErrTransport, r)
		}
	}()
	return sub.Send(frame)
}

func (h *Hub) groupFor(courseID string, create bool) *group {
	h.mu.RLock()
	g, ok := h.groups[courseID]
	h.mu.RUnlock()
	if ok || !create {
		return g
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok = h.groups[courseID]; ok {
		return g
	}
	g = &group{members: make(map[string]interfaces.Subscriber)}
	h.groups[courseID] = g
	return g
}

func (h *Hub) removeMember(courseID, subscriberID string) {
	g := h.groupFor(courseID, false)
	if g == nil {
		return
	}

	g.mu.Lock()
	delete(g.members, subscriberID)
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		h.discardIfEmpty(courseID, g)
	}
}

func (h *Hub) discardIfEmpty(courseID string, g *group) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if h.groups[courseID] == g && len(g.members) == 0 {
		g.discarded = true
		delete(h.groups, courseID)
	}
}

func (h *Hub) shard(courseID string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(courseID))
	return int(f.Sum32() % uint32(len(h.queues)))
}
