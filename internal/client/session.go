package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"coursechat/pkg/types"
)

var (
	ErrAlreadyMounted = errors.New("session already mounted")
	ErrNotMounted     = errors.New("session not mounted")
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateMounted
	stateUnmounted
)

// Session is one principal's live view of one course: history plus every
// message broadcast while mounted. Messages are kept in course order and
// each ID appears once no matter how many paths deliver it.
type Session struct {
	client   *Client
	courseID string
	log      *slog.Logger

	mu       sync.Mutex
	state    sessionState
	messages []*types.ChatMessage
	known    map[string]struct{}
	err      error
	updates  chan struct{}

	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	readers sync.WaitGroup
	acks    chan *types.Frame
}

// NewSession creates an unmounted session for courseID
func (c *Client) NewSession(courseID string) *Session {
	return &Session{
		client:   c,
		courseID: courseID,
		log:      c.log.With("course_id", courseID),
		known:    make(map[string]struct{}),
		updates:  make(chan struct{}, 1),
		acks:     make(chan *types.Frame, 4),
	}
}

// Mount fetches history and joins the live group concurrently. It returns
// once the join is acknowledged. A failed history fetch is recorded in Err
// and leaves the list empty; a failed join fails Mount and unmounts.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return ErrAlreadyMounted
	}
	s.state = stateMounted
	sessionCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.loadHistory(sessionCtx)
	}()

	joinErr := s.connect(ctx, sessionCtx)
	wg.Wait()

	if joinErr != nil {
		s.mu.Lock()
		torn := s.state == stateUnmounted
		s.mu.Unlock()
		if !torn {
			s.setErr(joinErr)
			_ = s.Unmount()
		}
		return joinErr
	}
	return nil
}

func (s *Session) loadHistory(ctx context.Context) {
	history, err := s.client.GetMessages(ctx, s.courseID, 0, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("failed to load history", "error", err)
			s.setErr(err)
		}
		return
	}
	s.merge(history)
}

func (s *Session) connect(ctx, sessionCtx context.Context) error {
	conn, err := s.client.Dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != stateMounted {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotMounted
	}
	s.conn = conn
	s.readers.Add(1)
	s.mu.Unlock()

	go s.readLoop(conn)

	if err := s.write(&types.Frame{Type: types.FrameJoinCourse, CourseID: s.courseID}); err != nil {
		return err
	}

	for {
		select {
		case frame, ok := <-s.acks:
			if !ok {
				return fmt.Errorf("%w: connection closed before join was acknowledged", types.ErrTransport)
			}
			if frame.Type == types.FrameJoined {
				return nil
			}
			if frame.Type == types.FrameError {
				return &APIError{StatusCode: frame.Code, Message: frame.Error}
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-sessionCtx.Done():
			return ErrNotMounted
		}
	}
}

// readLoop owns every read on conn. new_message frames for this course are
// merged; join acknowledgements are handed to connect.
func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.readers.Done()
	defer close(s.acks)

	for {
		var frame types.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			s.mu.Lock()
			live := s.state == stateMounted
			s.mu.Unlock()
			if live {
				s.log.Warn("live connection lost", "error", err)
				s.setErr(fmt.Errorf("%w: %w", types.ErrTransport, err))
			}
			return
		}

		if frame.CourseID != s.courseID {
			continue
		}
		switch frame.Type {
		case types.FrameNewMessage:
			if frame.Message != nil {
				s.merge([]*types.ChatMessage{frame.Message})
			}
		case types.FrameJoined, types.FrameError:
			select {
			case s.acks <- &frame:
			default:
			}
		}
	}
}

// Submit posts body. Nothing is shown until the server stores it; the
// stored message is then merged, and the later broadcast copy is ignored.
func (s *Session) Submit(ctx context.Context, body string) (*types.ChatMessage, error) {
	s.mu.Lock()
	mounted := s.state == stateMounted
	s.mu.Unlock()
	if !mounted {
		return nil, ErrNotMounted
	}

	message, err := s.client.PostMessage(ctx, s.courseID, body)
	if err != nil {
		return nil, err
	}
	s.merge([]*types.ChatMessage{message})
	return message, nil
}

// CatchUp fetches everything after the newest message held, for use after
// a reconnect. With an empty list it loads the default history instead.
func (s *Session) CatchUp(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateMounted {
		s.mu.Unlock()
		return ErrNotMounted
	}
	var after *time.Time
	if n := len(s.messages); n > 0 {
		last := s.messages[n-1].CreatedAt
		after = &last
	}
	s.mu.Unlock()

	missed, err := s.client.GetMessages(ctx, s.courseID, 0, after)
	if err != nil {
		return err
	}
	s.merge(missed)
	return nil
}

// Unmount leaves the course, closes the connection and stops all updates.
// History still in flight is discarded. Calling it again is a no-op.
func (s *Session) Unmount() error {
	s.mu.Lock()
	switch s.state {
	case stateUnmounted:
		s.mu.Unlock()
		return nil
	case stateIdle:
		s.state = stateUnmounted
		close(s.updates)
		s.mu.Unlock()
		return nil
	}
	s.state = stateUnmounted
	conn := s.conn
	cancel := s.cancel
	close(s.updates)
	s.mu.Unlock()

	cancel()

	var err error
	if conn != nil {
		if werr := s.write(&types.Frame{Type: types.FrameLeaveCourse, CourseID: s.courseID}); werr != nil {
			s.log.Debug("failed to send leave", "error", werr)
		}
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = conn.Close()
	}
	s.readers.Wait()
	return err
}

// Messages returns a snapshot in course order
func (s *Session) Messages() []*types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Updates signals after each change to Messages. Signals coalesce, and the
// channel is closed on Unmount.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Err returns the most recent history or transport failure
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Session) write(frame *types.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotMounted
	}

	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("%w: %w", types.ErrTransport, err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %w", types.ErrTransport, err)
	}
	return nil
}

// merge inserts unseen messages for this course in (CreatedAt, Seq) order.
// Nothing changes once the session is unmounted.
func (s *Session) merge(incoming []*types.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateMounted {
		return
	}

	fresh := lo.UniqBy(lo.Filter(incoming, func(m *types.ChatMessage, _ int) bool {
		if m == nil || m.CourseID != s.courseID {
			return false
		}
		_, seen := s.known[m.ID]
		return !seen
	}), func(m *types.ChatMessage) string { return m.ID })
	if len(fresh) == 0 {
		return
	}

	for _, m := range fresh {
		s.known[m.ID] = struct{}{}
		i := sort.Search(len(s.messages), func(i int) bool { return m.Before(s.messages[i]) })
		s.messages = slices.Insert(s.messages, i, m)
	}

	select {
	case s.updates <- struct{}{}:
	default:
	}
}
