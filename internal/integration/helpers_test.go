package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coursechat/internal/app"
	"coursechat/internal/client"
	"coursechat/internal/config"
	"coursechat/pkg/types"
)

// stack is a running server with a seeded course directory:
// instructor "prof" owns c1 and c2, "stu" is enrolled in c1, "other" only in c2.
type stack struct {
	app     *app.Application
	baseURL string
}

func startStack(t *testing.T, backend string) *stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "chat.db")
	cfg.Store.Backend = backend
	cfg.Store.BadgerPath = filepath.Join(t.TempDir(), "messages")
	cfg.Auth.JWTSecret = "integration-secret-0123456789abcdef"
	cfg.Log.Level = "warn"

	application, err := app.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	ctx := context.Background()
	dir := application.Directory()
	require.NoError(t, dir.CreateUser(ctx, types.SenderProfile{ID: "prof", Name: "Professor A"}, types.RoleInstructor))
	require.NoError(t, dir.CreateUser(ctx, types.SenderProfile{ID: "stu", Name: "Student S"}, types.RoleStudent))
	require.NoError(t, dir.CreateUser(ctx, types.SenderProfile{ID: "other", Name: "Student T"}, types.RoleStudent))
	require.NoError(t, dir.CreateCourse(ctx, types.Course{ID: "c1", Title: "Distributed Systems", InstructorID: "prof"}))
	require.NoError(t, dir.CreateCourse(ctx, types.Course{ID: "c2", Title: "Compilers", InstructorID: "prof"}))
	require.NoError(t, dir.Enroll(ctx, "stu", "c1"))
	require.NoError(t, dir.Enroll(ctx, "other", "c2"))

	return &stack{app: application, baseURL: "http://" + application.Addr()}
}

func (s *stack) clientFor(t *testing.T, userID string, role types.Role) *client.Client {
	t.Helper()
	token, err := s.app.Authenticator().GenerateToken(types.Principal{ID: userID, Role: role})
	require.NoError(t, err)
	c, err := client.New(s.baseURL, token)
	require.NoError(t, err)
	return c
}

func (s *stack) mount(t *testing.T, c *client.Client, courseID string) *client.Session {
	t.Helper()
	session := c.NewSession(courseID)
	require.NoError(t, session.Mount(context.Background()))
	t.Cleanup(func() { _ = session.Unmount() })
	return session
}

func hasMessage(session *client.Session, id string) bool {
	for _, m := range session.Messages() {
		if m.ID == id {
			return true
		}
	}
	return false
}
