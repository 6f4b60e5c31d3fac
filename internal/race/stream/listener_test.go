package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/racesync/racesync/internal/race"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer is a minimal websocket endpoint handing accepted connections
// to the test.
type feedServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Consume control frames so pings are answered.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		fs.conns <- conn
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *feedServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func testListenerConfig(url string) ListenerConfig {
	cfg := DefaultListenerConfig()
	cfg.URL = url
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	return cfg
}

func TestListenerDeliversEvents(t *testing.T) {
	fs := newFeedServer(t)
	l := NewListener(testListenerConfig(fs.wsURL()), clockwork.NewRealClock())
	defer l.Shutdown()

	sub := l.Subscribe(race.EventVoteUpdate)
	defer sub.Close()
	conn := fs.accept(t)

	payload := `{"event":"voteUpdate","raceId":"race-1","data":{"memeId":"m1","totalVotes":7}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	ev := recvEvent(t, sub.Events())
	assert.Equal(t, race.EventVoteUpdate, ev.Kind)
	assert.Equal(t, "race-1", ev.RaceID)
}

func TestListenerSkipsMalformedMessages(t *testing.T) {
	fs := newFeedServer(t)
	l := NewListener(testListenerConfig(fs.wsURL()), clockwork.NewRealClock())
	defer l.Shutdown()

	sub := l.Subscribe()
	defer sub.Close()
	conn := fs.accept(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"","raceId":""}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"raceClosed","raceId":"race-1","data":{}}`)))

	// Only the well-formed envelope comes through.
	ev := recvEvent(t, sub.Events())
	assert.Equal(t, race.EventRaceClosed, ev.Kind)
	assertNoEvent(t, sub.Events())
}

func TestListenerReconnectsAfterConnectionLoss(t *testing.T) {
	fs := newFeedServer(t)
	l := NewListener(testListenerConfig(fs.wsURL()), clockwork.NewRealClock())
	defer l.Shutdown()

	status := make(chan bool, 8)
	l.NotifyStatus(func(connected bool) { status <- connected })

	sub := l.Subscribe()
	defer sub.Close()

	first := fs.accept(t)
	waitStatus(t, status, true)

	first.Close()
	waitStatus(t, status, false)

	// The listener redials on its own; the new connection works.
	second := fs.accept(t)
	waitStatus(t, status, true)

	require.NoError(t, second.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"raceUpdate","raceId":"race-2","data":{}}`)))
	ev := recvEvent(t, sub.Events())
	assert.Equal(t, "race-2", ev.RaceID)
}

func waitStatus(t *testing.T, ch chan bool, want bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("transport status never became %v", want)
		}
	}
}
