package wsproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nostrgate/nostrgate/internal/filterengine"
)

type fakeStore struct {
	mu         sync.Mutex
	ipBanned   map[string]bool
	flags      map[string]int
	rejections []string
	accepted   int
	rejected   int
	opened     int
	closed     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{ipBanned: map[string]bool{}, flags: map[string]int{}}
}

func (f *fakeStore) IPBanned(ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ipBanned[ip], nil
}

func (f *fakeStore) SafelistFlags(npub string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flags, ok := f.flags[npub]
	return flags, ok, nil
}

func (f *fakeStore) KindBlacklisted(kind int) (bool, error) { return false, nil }

func (f *fakeStore) ActiveRules() ([]filterengine.RuleRow, error) { return nil, nil }

func (f *fakeStore) LogRejection(eventID, pubkeyHex, npub, ip string, kind int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, reason)
	return nil
}

func (f *fakeStore) OpenConnection(ip string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return int64(f.opened), nil
}

func (f *fakeStore) IncrementAccepted(connectionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted++
	return nil
}

func (f *fakeStore) IncrementRejected(connectionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected++
	return nil
}

func (f *fakeStore) CloseConnection(connectionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// startUpstream runs a bare WebSocket echo/scripted server standing in
// for the upstream relay, handing each connection to handle.
func startUpstream(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startProxy(t *testing.T, upstreamURL string, store *fakeStore) string {
	t.Helper()
	s := New(upstreamURL, store, store, time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProxy_IPBanClosesWithoutDialingUpstream(t *testing.T) {
	dialed := false
	upstreamURL := startUpstream(t, func(conn *websocket.Conn) { dialed = true; conn.Close() })

	store := newFakeStore()
	store.ipBanned["10.0.0.1"] = true
	s := New(upstreamURL, store, store, time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.RemoteAddr = "10.0.0.1:5555"
		s.ServeHTTP(w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed for a banned ip")
	}
	time.Sleep(50 * time.Millisecond)
	if dialed {
		t.Fatal("upstream should never be dialed for a banned ip")
	}
	if store.opened != 0 {
		t.Fatal("no connection log row should be opened for a banned ip")
	}
}

func TestProxy_PublishBlockedWithoutSafelist(t *testing.T) {
	var gotEvent bool
	upstreamURL := startUpstream(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil && strings.Contains(string(data), `"EVENT"`) {
			gotEvent = true
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	store := newFakeStore()
	proxyURL := startProxy(t, upstreamURL, store)
	client := dial(t, proxyURL)

	event := map[string]interface{}{
		"id": "e1", "pubkey": strings.Repeat("a", 64), "created_at": 1, "kind": 1,
		"tags": [][]string{}, "content": "hi", "sig": "",
	}
	frame, _ := json.Marshal([]interface{}{"EVENT", event})
	if err := client.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, notice, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read notice: %v", err)
	}
	var arr []interface{}
	if err := json.Unmarshal(notice, &arr); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if arr[0] != "NOTICE" || arr[1] != "blocked: not in safelist" {
		t.Fatalf("unexpected frame: %s", notice)
	}

	time.Sleep(50 * time.Millisecond)
	if gotEvent {
		t.Fatal("event should never reach upstream without a safelist entry")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.rejected != 1 {
		t.Fatalf("expected 1 rejected increment, got %d", store.rejected)
	}
	if len(store.rejections) != 1 || store.rejections[0] != filterengine.ReasonNotInSafelist {
		t.Fatalf("unexpected rejection log: %v", store.rejections)
	}
}

func TestProxy_OKAccounting(t *testing.T) {
	upstreamURL := startUpstream(t, func(conn *websocket.Conn) {
		defer conn.Close()
		ok1, _ := json.Marshal([]interface{}{"OK", "E1", true, ""})
		ok2, _ := json.Marshal([]interface{}{"OK", "E2", false, "rate"})
		_ = conn.WriteMessage(websocket.TextMessage, ok1)
		_ = conn.WriteMessage(websocket.TextMessage, ok2)
		time.Sleep(100 * time.Millisecond)
	})

	store := newFakeStore()
	proxyURL := startProxy(t, upstreamURL, store)
	client := dial(t, proxyURL)

	for i := 0; i < 2; i++ {
		if _, _, err := client.ReadMessage(); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.accepted != 1 || store.rejected != 1 {
		t.Fatalf("expected 1 accepted and 1 rejected, got accepted=%d rejected=%d", store.accepted, store.rejected)
	}
}

func TestProxy_ForwardsUnrecognizedClientCommand(t *testing.T) {
	received := make(chan string, 1)
	upstreamURL := startUpstream(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
	})

	store := newFakeStore()
	proxyURL := startProxy(t, upstreamURL, store)
	client := dial(t, proxyURL)

	frame, _ := json.Marshal([]interface{}{"AUTH", "challenge-response"})
	if err := client.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != string(frame) {
			t.Fatalf("expected verbatim forward, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("upstream never received the forwarded frame")
	}
}
