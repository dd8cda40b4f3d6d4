package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 12, 28, 11, 0, 0, 0, time.UTC)

type stateChange struct {
	to, from heartrate.SessionState
}

type recordingDelegate struct {
	mu      sync.Mutex
	changes []stateChange
	errs    []error
	data    [][]byte
}

func (d *recordingDelegate) SessionStateChanged(to heartrate.SessionState, from heartrate.SessionState, _ time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changes = append(d.changes, stateChange{to: to, from: from})
}

func (d *recordingDelegate) SessionFailed(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *recordingDelegate) SessionReceivedData(data [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, data...)
}

func (d *recordingDelegate) lastChange() (stateChange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.changes) == 0 {
		return stateChange{}, false
	}
	return d.changes[len(d.changes)-1], true
}

type fakeStore struct {
	mu       sync.Mutex
	reject   error
	sessions []heartrate.Session
	samples  []heartrate.Sample
	delegate *recordingDelegate
}

func (f *fakeStore) StartMirroring(session heartrate.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	f.sessions = append(f.sessions, session)
	session.SetDelegate(f.delegate)
	return nil
}

func (f *fakeStore) Append(sample heartrate.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
}

func (f *fakeStore) sampleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func newTestServer(t *testing.T, store *fakeStore, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	s := NewServer(store, log.New(io.Discard, "", 0), opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mirror"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = resp.Body.Close()
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestServer_Health(t *testing.T) {
	_, srv := newTestServer(t, &fakeStore{delegate: &recordingDelegate{}}, Options{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestServer_StateRoute(t *testing.T) {
	_, srv := newTestServer(t, &fakeStore{delegate: &recordingDelegate{}}, Options{
		Snapshot: func() any { return map[string]int{"angle": 42} },
	})
	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 42, body["angle"])

	_, bare := newTestServer(t, &fakeStore{delegate: &recordingDelegate{}}, Options{})
	resp2, err := http.Get(bare.URL + "/api/state")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServer_RejectsWithoutMirroringHandler(t *testing.T) {
	_, srv := newTestServer(t, &fakeStore{reject: errors.New("no handler")}, Options{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mirror"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_SessionRelay(t *testing.T) {
	delegate := &recordingDelegate{}
	store := &fakeStore{delegate: delegate}
	s, srv := newTestServer(t, store, Options{})
	conn := dial(t, srv)

	hello := readEnvelope(t, conn)
	assert.Equal(t, TypeSession, hello.Type)
	assert.Equal(t, "notStarted", hello.State)
	require.NotEmpty(t, hello.SessionID)
	assert.Equal(t, 1, s.ActiveSessions())

	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeState, State: "running"}))
	assert.Eventually(t, func() bool {
		c, ok := delegate.lastChange()
		return ok && c == stateChange{to: heartrate.SessionRunning, from: heartrate.SessionNotStarted}
	}, time.Second, 5*time.Millisecond)

	at := testNow.Add(-time.Second)
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeHeartRate, BPM: 151, Timestamp: &at}))
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeHeartRate, BPM: 152}))
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeData, Data: [][]byte{[]byte("lap"), []byte("split")}}))
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeError, Error: "watch lost GPS"}))

	assert.Eventually(t, func() bool { return store.sampleCount() == 2 }, time.Second, 5*time.Millisecond)
	store.mu.Lock()
	assert.Equal(t, heartrate.Sample{BPM: 151, Timestamp: at}, store.samples[0])
	assert.Equal(t, heartrate.Sample{BPM: 152, Timestamp: testNow}, store.samples[1])
	store.mu.Unlock()

	assert.Eventually(t, func() bool {
		delegate.mu.Lock()
		defer delegate.mu.Unlock()
		return len(delegate.data) == 2 && len(delegate.errs) == 1
	}, time.Second, 5*time.Millisecond)
	delegate.mu.Lock()
	assert.EqualError(t, delegate.errs[0], "watch lost GPS")
	delegate.mu.Unlock()

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		c, ok := delegate.lastChange()
		return ok && c.to == heartrate.SessionEnded
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_BadMessagesGetErrorReply(t *testing.T) {
	store := &fakeStore{delegate: &recordingDelegate{}}
	_, srv := newTestServer(t, store, Options{})
	conn := dial(t, srv)
	readEnvelope(t, conn)

	cases := []any{
		Envelope{Type: TypeState, State: "sprinting"},
		Envelope{Type: TypeHeartRate, BPM: -4},
		Envelope{Type: "teleport"},
	}
	for _, msg := range cases {
		require.NoError(t, conn.WriteJSON(msg))
		reply := readEnvelope(t, conn)
		assert.Equal(t, TypeError, reply.Type)
		assert.NotEmpty(t, reply.Error)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := readEnvelope(t, conn)
	assert.Contains(t, reply.Error, "malformed message")
	assert.Equal(t, 0, store.sampleCount())
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	delegate := &recordingDelegate{}
	s := NewServer(&fakeStore{delegate: delegate}, log.New(io.Discard, "", 0), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestSession_EndedIsFinal(t *testing.T) {
	delegate := &recordingDelegate{}
	session := newSession("s-1", func() time.Time { return testNow })
	session.SetDelegate(delegate)

	assert.True(t, session.transition(heartrate.SessionRunning))
	assert.False(t, session.transition(heartrate.SessionRunning))
	assert.True(t, session.transition(heartrate.SessionEnded))
	assert.False(t, session.transition(heartrate.SessionRunning))
	assert.Equal(t, heartrate.SessionEnded, session.State())
	assert.Len(t, delegate.changes, 2)

	session.SetDelegate(nil)
	session.fail(errors.New("ignored"))
	assert.Empty(t, delegate.errs)
}
