package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/walink/pkg/bus"
	"github.com/sipeed/walink/pkg/config"
	"github.com/sipeed/walink/pkg/storage/memory"
	"github.com/sipeed/walink/pkg/wa"
)

const testToken = "secret-token"

type stubManager struct {
	state wa.ConnectionState
}

func (m *stubManager) State() wa.ConnectionState { return m.state }
func (m *stubManager) Generation() uint64        { return 4 }
func (m *stubManager) ReconnectPending() bool    { return false }
func (m *stubManager) Options() wa.Options       { return wa.Options{Name: "shop"} }

type stubSender struct {
	got    []wa.Request
	result wa.Result
	err    error
}

func (s *stubSender) Dispatch(ctx context.Context, req wa.Request) (wa.Result, error) {
	s.got = append(s.got, req)
	return s.result, s.err
}

type fixture struct {
	server *Server
	sender *stubSender
	bus    *bus.MessageBus
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Dashboard.Token = testToken
	cfg.Storage.DatabaseURL = "postgres://user:pw@db/wa"

	sender := &stubSender{result: wa.Result{Sent: true, Message: wa.SendResult{ID: "3EB0AA"}}}
	mb := bus.NewMessageBus()
	s := NewServer(cfg, &stubManager{state: wa.StateOpen}, sender, memory.NewMemoryStorage().Messages(), mb)

	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &fixture{server: s, sender: sender, bus: mb, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/api/v1/status?token=" + testToken)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthorizedComparesWholeToken(t *testing.T) {
	f := newFixture(t)
	for token, want := range map[string]bool{
		testToken:       true,
		testToken[:6]:   false,
		testToken + "x": false,
		"":              false,
		"SECRET-TOKEN":  false,
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		require.Equal(t, want, f.server.authorized(req), token)
	}

	cfg := config.DefaultConfig()
	cfg.Dashboard.Token = ""
	open := NewServer(cfg, &stubManager{}, &stubSender{}, memory.NewMemoryStorage().Messages(), bus.NewMessageBus())
	require.False(t, open.authorized(httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "shop", body["session"])
	require.Equal(t, wa.StateOpen.String(), body["state"])
	require.Equal(t, true, body["open"])
	require.EqualValues(t, 4, body["generation"])
	require.EqualValues(t, 0, body["stored_messages"])
	require.Equal(t, false, body["qr_pending"])
}

func TestSendRoutesRequestTypes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/send", `{"to":"34600111222","text":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "3EB0AA", body["id"])

	f.do(t, http.MethodPost, "/api/v1/send", `{"type":"poll","to":"34600111222","name":"Lunch?","options":["Pizza","Sushi"]}`)
	f.do(t, http.MethodPost, "/api/v1/send", `{"type":"location","to":"34600111222","latitude":40.4,"longitude":-3.7}`)
	f.do(t, http.MethodPost, "/api/v1/send", `{"type":"sticker","to":"34600111222","source":"cat.png","crop":true}`)

	require.Len(t, f.sender.got, 4)
	require.Equal(t, wa.TextRequest{To: "34600111222", Body: "hi"}, f.sender.got[0])
	require.Equal(t, wa.PollRequest{To: "34600111222", Name: "Lunch?", Options: []string{"Pizza", "Sushi"}}, f.sender.got[1])
	require.Equal(t, "location", wa.Kind(f.sender.got[2]))
	require.True(t, f.sender.got[3].(wa.StickerRequest).Options.Crop)
}

func TestSendErrors(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/send", `{"type":"fax","to":"1"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/send", `{"text":"no recipient"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.sender.err = &wa.ConnectionUnavailableError{Op: "text", State: wa.StateClosedRetryable}
	resp, body := f.do(t, http.MethodPost, "/api/v1/send", `{"to":"1","text":"x"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, body["error"], "wait for reconnection")

	f.sender.err = &wa.MediaError{Op: "download", Source: "http://x", Err: errors.New("404")}
	resp, _ = f.do(t, http.MethodPost, "/api/v1/send", `{"type":"image","to":"1","path":"http://x"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	f.sender.err = nil
	f.sender.result = wa.Result{Sent: false}
	resp, body = f.do(t, http.MethodPost, "/api/v1/send", `{"type":"poll","to":"1","name":"q","options":["only"]}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "rejected", body["status"])
}

func TestQREndpointAndWebSocketSnapshot(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/qr", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.bus.Publish(bus.Event{Type: bus.EventQR, Session: "shop", QR: &bus.QRCodeEvent{Code: "2@abc,def"}})
	require.Eventually(t, func() bool {
		_, ok := f.server.hub.LatestQR()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/qr", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt bus.Event
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, bus.EventQR, evt.Type)
	require.Equal(t, "2@abc,def", evt.QR.Code)

	f.bus.Publish(bus.Event{Type: bus.EventReady, Session: "shop"})
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, bus.EventReady, evt.Type)

	require.Eventually(t, func() bool {
		_, ok := f.server.hub.LatestQR()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConfigIsRedacted(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NotContains(t, string(raw), testToken)
	require.NotContains(t, string(raw), "user:pw")
}

func TestStorageConnectionTest(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/api/v1/config/storage/test", `{"type":"memory"}`)
	require.Equal(t, true, body["success"])

	_, body = f.do(t, http.MethodPost, "/api/v1/config/storage/test", `{"type":"mongo"}`)
	require.Equal(t, false, body["success"])
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/v1/status", "")

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
