package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coursechat/internal/access"
	"coursechat/internal/database"
	"coursechat/internal/ratelimit"
	dbconfig "coursechat/pkg/database"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var (
	instructor = types.Principal{ID: "inst1", Role: types.RoleInstructor}
	student    = types.Principal{ID: "stud1", Role: types.RoleStudent}
	outsider   = types.Principal{ID: "stud2", Role: types.RoleStudent}
)

// recordingBroadcaster captures published messages and can refuse them
type recordingBroadcaster struct {
	mu        sync.Mutex
	published []*types.ChatMessage
	err       error
}

func (r *recordingBroadcaster) Publish(courseID string, message *types.ChatMessage) (<-chan interfaces.DeliveryReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.published = append(r.published, message)

	done := make(chan interfaces.DeliveryReport, 1)
	done <- interfaces.DeliveryReport{CourseID: courseID, MessageID: message.ID, Delivered: 1}
	close(done)
	return done, nil
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

type fixture struct {
	db          *database.Manager
	service     *Service
	broadcaster *recordingBroadcaster
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "chat.db")

	db, err := database.NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	ctx := context.Background()
	require.NoError(t, db.CreateUser(ctx, types.SenderProfile{ID: "inst1", Name: "Ada Instructor", Email: "ada@example.com"}, types.RoleInstructor))
	require.NoError(t, db.CreateUser(ctx, types.SenderProfile{ID: "stud1", Name: "Sam Student", Email: "sam@example.com"}, types.RoleStudent))
	require.NoError(t, db.CreateCourse(ctx, types.Course{ID: "c1", Title: "Algorithms", InstructorID: "inst1"}))
	require.NoError(t, db.Enroll(ctx, "stud1", "c1"))

	b := &recordingBroadcaster{}
	opts = append([]Option{WithBroadcaster(b), WithDirectory(db)}, opts...)
	return &fixture{
		db:          db,
		service:     NewService(db, access.NewPolicy(db, nil), DefaultConfig(), opts...),
		broadcaster: b,
	}
}

func TestService_PostAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	posted, err := f.service.PostMessage(ctx, student, "c1", "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", posted.Body)
	assert.Equal(t, "stud1", posted.SenderID)
	require.NotNil(t, posted.Sender)
	assert.Equal(t, "Sam Student", posted.Sender.Name)

	messages, err := f.service.GetMessages(ctx, instructor, "c1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, posted.ID, messages[0].ID)
	assert.Equal(t, "sam@example.com", messages[0].Sender.Email)

	count, err := f.service.GetMessageCount(ctx, instructor, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_InvalidBodiesCreateNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, body := range map[string]string{
		"empty":      "",
		"whitespace": " \n\t ",
		"too long":   strings.Repeat("a", 1001),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.PostMessage(ctx, student, "c1", body)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}

	count, err := f.service.GetMessageCount(ctx, student, "c1")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.broadcaster.count())

	_, err = f.service.PostMessage(ctx, student, "c1", strings.Repeat("é", 1000))
	assert.NoError(t, err, "exactly 1000 characters is accepted")
}

func TestService_OutsiderIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.GetMessages(ctx, outsider, "c1", ListOptions{})
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = f.service.PostMessage(ctx, outsider, "c1", "let me in")
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = f.service.GetMessageCount(ctx, outsider, "c1")
	assert.ErrorIs(t, err, types.ErrForbidden)

	count, err := f.service.GetMessageCount(ctx, instructor, "c1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestService_ForbiddenBeforeValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.PostMessage(context.Background(), outsider, "c1", "")
	assert.ErrorIs(t, err, types.ErrForbidden)
	assert.NotErrorIs(t, err, types.ErrValidation)
}

func TestService_MissingCourseAndBadID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.GetMessages(ctx, instructor, "ghost", ListOptions{})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.service.PostMessage(ctx, instructor, "ghost", "hi")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.service.GetMessages(ctx, instructor, "bad:id", ListOptions{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestService_LimitHandling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.service.PostMessage(ctx, instructor, "c1", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	messages, err := f.service.GetMessages(ctx, student, "c1", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m3", messages[0].Body)
	assert.Equal(t, "m4", messages[1].Body)

	_, err = f.service.GetMessages(ctx, student, "c1", ListOptions{Limit: -1})
	assert.ErrorIs(t, err, types.ErrInvalidLimit)

	limit, err := f.service.resolveLimit(10_000)
	require.NoError(t, err)
	assert.Equal(t, 500, limit)
}

func TestService_SequentialPostsKeepOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var posted []string
	for i := 0; i < 20; i++ {
		m, err := f.service.PostMessage(ctx, student, "c1", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
		posted = append(posted, m.ID)
	}

	messages, err := f.service.GetMessages(ctx, instructor, "c1", ListOptions{Limit: 20})
	require.NoError(t, err)
	require.Len(t, messages, 20)
	for i, m := range messages {
		assert.Equal(t, posted[i], m.ID)
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(messages[i-1].CreatedAt))
		}
	}

	assert.Equal(t, 20, f.broadcaster.count())
	f.broadcaster.mu.Lock()
	for i, m := range f.broadcaster.published {
		assert.Equal(t, posted[i], m.ID, "broadcast order follows commit order")
	}
	f.broadcaster.mu.Unlock()
}

func TestService_CatchUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.PostMessage(ctx, student, "c1", "one")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := f.service.PostMessage(ctx, instructor, "c1", "two")
	require.NoError(t, err)

	after := first.CreatedAt
	messages, err := f.service.GetMessages(ctx, student, "c1", ListOptions{After: &after, Limit: -5})
	require.NoError(t, err, "limit is ignored for catch-up")
	require.Len(t, messages, 1)
	assert.Equal(t, second.ID, messages[0].ID)
	assert.Equal(t, "Ada Instructor", messages[0].Sender.Name)
}

func TestService_BroadcastFailureDoesNotFailPost(t *testing.T) {
	f := newFixture(t)
	f.broadcaster.err = errors.New("hub is not running")

	m, err := f.service.PostMessage(context.Background(), student, "c1", "still saved")
	require.NoError(t, err)

	count, err := f.service.GetMessageCount(context.Background(), student, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NotEmpty(t, m.ID)
}

func TestService_RateLimit(t *testing.T) {
	f := newFixture(t, WithRateLimiter(ratelimit.PerMinute(2)))
	ctx := context.Background()

	_, err := f.service.PostMessage(ctx, student, "c1", "1")
	require.NoError(t, err)
	_, err = f.service.PostMessage(ctx, student, "c1", "2")
	require.NoError(t, err)
	_, err = f.service.PostMessage(ctx, student, "c1", "3")
	assert.ErrorIs(t, err, types.ErrRateLimited)

	_, err = f.service.PostMessage(ctx, instructor, "c1", "other principal")
	assert.NoError(t, err)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Append(ctx context.Context, courseID, senderID, body string) (*types.ChatMessage, error) {
	args := m.Called(ctx, courseID, senderID, body)
	msg, _ := args.Get(0).(*types.ChatMessage)
	return msg, args.Error(1)
}

func (m *mockStore) ListByCourse(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error) {
	args := m.Called(ctx, courseID, limit)
	msgs, _ := args.Get(0).([]*types.ChatMessage)
	return msgs, args.Error(1)
}

func (m *mockStore) ListByCourseSince(ctx context.Context, courseID string, after time.Time) ([]*types.ChatMessage, error) {
	args := m.Called(ctx, courseID, after)
	msgs, _ := args.Get(0).([]*types.ChatMessage)
	return msgs, args.Error(1)
}

func (m *mockStore) CountByCourse(ctx context.Context, courseID string) (int, error) {
	args := m.Called(ctx, courseID)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) HealthCheck(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockStore) Close() error                          { return m.Called().Error(0) }

type allowAll struct{}

func (allowAll) Check(_ context.Context, _ types.Principal, courseID string, _ types.Intent) (*types.Course, error) {
	return &types.Course{ID: courseID}, nil
}

func TestService_StoreFailureNeverBroadcasts(t *testing.T) {
	store := &mockStore{}
	store.On("Append", mock.Anything, "c1", "stud1", "hello").
		Return(nil, fmt.Errorf("%w: disk full", types.ErrStore))

	b := &recordingBroadcaster{}
	service := NewService(store, allowAll{}, DefaultConfig(), WithBroadcaster(b))

	_, err := service.PostMessage(context.Background(), student, "c1", "hello")
	assert.ErrorIs(t, err, types.ErrStore)
	assert.Zero(t, b.count())
	store.AssertNumberOfCalls(t, "Append", 1)
}

func TestService_DefaultLimitPassedToStore(t *testing.T) {
	store := &mockStore{}
	store.On("ListByCourse", mock.Anything, "c1", 50).Return([]*types.ChatMessage{}, nil)

	service := NewService(store, allowAll{}, DefaultConfig())
	messages, err := service.GetMessages(context.Background(), student, "c1", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, messages)
	store.AssertExpectations(t)
}
