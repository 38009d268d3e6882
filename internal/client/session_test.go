package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursechat/pkg/types"
)

// fakeServer speaks the chat REST and live protocol for one course
type fakeServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	history     []*types.ChatMessage
	conns       []*websocket.Conn
	historyFail bool
	forbidJoin  bool
	lastQuery   string
	nextID      int

	// when set, history requests signal historyEntered and wait on releaseHistory
	historyEntered chan struct{}
	releaseHistory chan struct{}

	frames chan types.Frame
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t, frames: make(chan types.Frame, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/courses/c1/messages", f.messages)
	mux.HandleFunc("/courses/c1/messages/count", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]int{"count": len(f.history)})
	})
	mux.HandleFunc("/ws", f.ws)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeServer) messages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Unauthorized", "code": 401, "message": "missing token"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		if f.historyEntered != nil {
			close(f.historyEntered)
			<-f.releaseHistory
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastQuery = r.URL.RawQuery
		if f.historyFail {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Internal Server Error", "code": 500, "message": "Internal server error"})
			return
		}
		result := f.history
		if raw := r.URL.Query().Get("after"); raw != "" {
			after, err := time.Parse(time.RFC3339Nano, raw)
			require.NoError(f.t, err)
			result = nil
			for _, m := range f.history {
				if m.CreatedAt.After(after) {
					result = append(result, m)
				}
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"messages": result})

	case http.MethodPost:
		var req struct {
			Message string `json:"message"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if strings.TrimSpace(req.Message) == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Bad Request", "code": 400, "message": "message cannot be empty"})
			return
		}
		message := f.add(req.Message, time.Now())
		f.broadcast(message)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"message": message})
	}
}

func (f *fakeServer) add(body string, at time.Time) *types.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	message := &types.ChatMessage{
		ID:        fmt.Sprintf("m%d", f.nextID),
		CourseID:  "c1",
		SenderID:  "u1",
		Body:      body,
		CreatedAt: at.UTC(),
		Seq:       int64(f.nextID),
	}
	f.history = append(f.history, message)
	return message
}

func (f *fakeServer) broadcast(message *types.ChatMessage) {
	f.send(types.Frame{Type: types.FrameNewMessage, CourseID: message.CourseID, Message: message})
}

func (f *fakeServer) send(frame types.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.WriteJSON(frame)
	}
}

func (f *fakeServer) ws(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "token" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var frame types.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		f.frames <- frame

		reply := types.Frame{Type: types.FrameJoined, CourseID: frame.CourseID}
		switch {
		case frame.Type == types.FrameLeaveCourse:
			reply.Type = types.FrameLeft
		case f.forbidJoin:
			reply = types.Frame{Type: types.FrameError, CourseID: frame.CourseID, Error: "forbidden", Code: http.StatusForbidden}
		}

		f.mu.Lock()
		if reply.Type == types.FrameJoined {
			f.conns = append(f.conns, conn)
		}
		_ = conn.WriteJSON(reply)
		f.mu.Unlock()
	}
}

func (f *fakeServer) nextFrame(t *testing.T) types.Frame {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return types.Frame{}
	}
}

func newSession(t *testing.T, f *fakeServer) *Session {
	t.Helper()
	c, err := New(f.server.URL, "token")
	require.NoError(t, err)
	s := c.NewSession("c1")
	t.Cleanup(func() { _ = s.Unmount() })
	return s
}

func waitForMessages(t *testing.T, s *Session, n int) []*types.ChatMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Messages()) == n }, 2*time.Second, 5*time.Millisecond)
	return s.Messages()
}

func ids(messages []*types.ChatMessage) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestSession_MountLoadsHistoryAndJoins(t *testing.T) {
	f := newFakeServer(t)
	base := time.Now().Add(-time.Hour)
	f.add("first", base)
	f.add("second", base.Add(time.Second))

	s := newSession(t, f)
	require.NoError(t, s.Mount(context.Background()))

	join := f.nextFrame(t)
	assert.Equal(t, types.FrameJoinCourse, join.Type)
	assert.Equal(t, "c1", join.CourseID)

	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
	assert.NoError(t, s.Err())
	assert.ErrorIs(t, s.Mount(context.Background()), ErrAlreadyMounted)
}

func TestSession_BroadcastsMergeIdempotently(t *testing.T) {
	f := newFakeServer(t)
	s := newSession(t, f)
	require.NoError(t, s.Mount(context.Background()))
	f.nextFrame(t)

	m := f.add("hello", time.Now())
	f.broadcast(m)
	f.broadcast(m)
	f.send(types.Frame{Type: types.FrameNewMessage, CourseID: "c2", Message: &types.ChatMessage{ID: "other", CourseID: "c2"}})

	waitForMessages(t, s, 1)
	// give duplicates time to arrive
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{m.ID}, ids(s.Messages()))
}

func TestSession_LateOlderMessageIsInsertedInOrder(t *testing.T) {
	f := newFakeServer(t)
	s := newSession(t, f)
	require.NoError(t, s.Mount(context.Background()))
	f.nextFrame(t)

	now := time.Now()
	newer := f.add("newer", now)
	older := f.add("older", now.Add(-time.Minute))
	f.broadcast(newer)
	f.broadcast(older)

	assert.Equal(t, []string{older.ID, newer.ID}, ids(waitForMessages(t, s, 2)))
}

func TestSession_SubmitWaitsForServerAndDoesNotDuplicate(t *testing.T) {
	f := newFakeServer(t)
	s := newSession(t, f)
	require.NoError(t, s.Mount(context.Background()))
	f.nextFrame(t)

	message, err := s.Submit(context.Background(), "hi there")
	require.NoError(t, err)
	assert.Equal(t, "hi there", message.Body)

	// the broadcast copy of our own message arrives too
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{message.ID}, ids(s.Messages()))

	_, err = s.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Len(t, s.Messages(), 1, "rejected submissions add nothing")
}

func TestSession_HistoryFailureKeepsSessionUsable(t *testing.T) {
	f := newFakeServer(t)
	f.historyFail = true
	s := newSession(t, f)

	require.NoError(t, s.Mount(context.Background()))
	f.nextFrame(t)
	assert.Empty(t, s.Messages())

	var apiErr *APIError
	require.True(t, errors.As(s.Err(), &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	m := f.add("live", time.Now())
	f.broadcast(m)
	waitForMessages(t, s, 1)
}

func TestSession_RejectedJoinFailsMount(t *testing.T) {
	f := newFakeServer(t)
	f.forbidJoin = true
	s := newSession(t, f)

	err := s.Mount(context.Background())
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = s.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotMounted)
}

func TestSession_UnmountLeavesAndCloses(t *testing.T) {
	f := newFakeServer(t)
	s := newSession(t, f)
	require.NoError(t, s.Mount(context.Background()))
	f.nextFrame(t)

	require.NoError(t, s.Unmount())
	leave := f.nextFrame(t)
	assert.Equal(t, types.FrameLeaveCourse, leave.Type)
	assert.Equal(t, "c1", leave.CourseID)

	_, open := <-s.Updates()
	for open {
		_, open = <-s.Updates()
	}

	f.broadcast(f.add("after", time.Now()))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Messages())

	_, err := s.Submit(context.Background(), "late")
	assert.ErrorIs(t, err, ErrNotMounted)
	assert.NoError(t, s.Unmount())
}

func TestSession_UnmountDuringHistoryFetchDiscardsIt(t *testing.T) {
	f := newFakeServer(t)
	f.add("old", time.Now().Add(-time.Minute))
	f.historyEntered = make(chan struct{})
	f.releaseHistory = make(chan struct{})
	s := newSession(t, f)

	mounted := make(chan error, 1)
	go func() { mounted <- s.Mount(context.Background()) }()

	<-f.historyEntered
	require.NoError(t, s.Unmount())
	close(f.releaseHistory)

	select {
	case <-mounted:
	case <-time.After(2 * time.Second):
		t.Fatal("Mount did not return after Unmount")
	}
	assert.Empty(t, s.Messages())
	assert.NoError(t, s.Err(), "a cancelled fetch is not an error")
}

func TestSession_CatchUpFetchesOnlyNewerMessages(t *testing.T) {
	f := newFakeServer(t)
	base := time.Now().Add(-time.Hour)
	f.add("one", base)
	s := newSession(t, f)
	require.NoError(t, s.Mount(context.Background()))
	f.nextFrame(t)
	require.Len(t, s.Messages(), 1)

	// missed while disconnected
	f.add("two", base.Add(time.Minute))
	f.add("three", base.Add(2*time.Minute))

	require.NoError(t, s.CatchUp(context.Background()))
	assert.Contains(t, f.lastQuery, "after=")
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages()))

	require.NoError(t, s.CatchUp(context.Background()))
	assert.Len(t, s.Messages(), 3)
}

func TestSession_UpdatesSignalChanges(t *testing.T) {
	f := newFakeServer(t)
	s := newSession(t, f)
	require.NoError(t, s.Mount(context.Background()))
	f.nextFrame(t)

	f.broadcast(f.add("ping", time.Now()))
	select {
	case _, ok := <-s.Updates():
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("no update signalled")
	}
}
