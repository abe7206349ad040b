package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"layer-editor/internal/broadcast"
	"layer-editor/internal/collection"
	"layer-editor/internal/entity"
	"layer-editor/internal/history"
	"layer-editor/pkg/patch"
)

func newTestServer(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(nil)
	assert.Equal(t, svc.Start(), nil)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Shutdown()
	})
	return svc, srv
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.Equal(t, json.NewEncoder(&buf).Encode(body), nil)
	}
	req, err := http.NewRequest(method, url, &buf)
	assert.Equal(t, err, nil)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		assert.Equal(t, json.NewDecoder(resp.Body).Decode(out), nil)
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)
	var body map[string]string
	assert.Equal(t, doJSON(t, http.MethodGet, srv.URL+"/health", nil, &body), http.StatusOK)
	assert.Equal(t, body["status"], "healthy")
}

func TestVersionsAPI(t *testing.T) {
	_, srv := newTestServer(t)

	rec := history.VersionRecord{
		EntityType: entity.PageLayers,
		EntityID:   "home",
		ActionType: history.ActionUpdate,
		RedoPatch:  patch.Patch{{Op: patch.OpAdd, Path: patch.Pointer{"0"}, Value: map[string]any{"id": "a"}}},
		UndoPatch:  patch.Patch{{Op: patch.OpRemove, Path: patch.Pointer{"0"}}},
	}
	for i := 0; i < 3; i++ {
		var stored history.VersionRecord
		assert.Equal(t, doJSON(t, http.MethodPost, srv.URL+"/api/versions", rec, &stored), http.StatusCreated)
		assert.NotEqual(t, stored.ID, "")
	}

	var list []history.VersionRecord
	assert.Equal(t, doJSON(t, http.MethodGet, srv.URL+"/api/versions/page_layers/home?limit=2", nil, &list), http.StatusOK)
	assert.Equal(t, len(list), 2)
	assert.Equal(t, list[0].ID > list[1].ID, true)

	assert.Equal(t, doJSON(t, http.MethodGet, srv.URL+"/api/versions/widget/home", nil, nil), http.StatusBadRequest)

	bad := rec
	bad.RedoPatch = nil
	assert.Equal(t, doJSON(t, http.MethodPost, srv.URL+"/api/versions", bad, nil), http.StatusBadRequest)
}

func TestItemsAPI(t *testing.T) {
	_, srv := newTestServer(t)

	var created collection.Item
	status := doJSON(t, http.MethodPost, srv.URL+"/api/collections/c1/items",
		itemRequest{Values: collection.Values{"title": "first"}}, &created)
	assert.Equal(t, status, http.StatusCreated)
	assert.Equal(t, created.CollectionID, "c1")

	var updated collection.Item
	status = doJSON(t, http.MethodPut, srv.URL+"/api/items/"+created.ID,
		itemRequest{Values: collection.Values{"title": "second"}}, &updated)
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, updated.Values["title"], "second")

	var items []collection.Item
	assert.Equal(t, doJSON(t, http.MethodGet, srv.URL+"/api/collections/c1/items", nil, &items), http.StatusOK)
	assert.Equal(t, len(items), 1)

	assert.Equal(t, doJSON(t, http.MethodDelete, srv.URL+"/api/items/"+created.ID, nil, nil), http.StatusNoContent)
	assert.Equal(t, doJSON(t, http.MethodGet, srv.URL+"/api/items/"+created.ID, nil, nil), http.StatusNotFound)
	assert.Equal(t, doJSON(t, http.MethodDelete, srv.URL+"/api/items/"+created.ID, nil, nil), http.StatusNotFound)
}

func wsURL(srv *httptest.Server, user string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketRequiresUser(t *testing.T) {
	_, srv := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestRelayRejectsForeignUser(t *testing.T) {
	_, srv := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "alice"), nil)
	assert.Equal(t, err, nil)
	defer conn.Close()

	env, err := broadcast.NewEnvelope(broadcast.LayerUpdated, "mallory", time.Now(), "a", "", map[string]any{"id": "a"})
	assert.Equal(t, err, nil)
	assert.Equal(t, conn.WriteJSON(broadcast.Frame{Type: broadcast.FramePublish, Channel: "layers:p1", Envelope: &env}), nil)

	var reply broadcast.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.Equal(t, conn.ReadJSON(&reply), nil)
	assert.Equal(t, reply.Type, broadcast.FrameError)
	assert.Equal(t, reply.Channel, "layers:p1")
}

func TestRelayBetweenTransports(t *testing.T) {
	svc, srv := newTestServer(t)

	alice := broadcast.DialWebSocket(broadcast.WebSocketConfig{URL: wsURL(srv, "alice"), MinBackoff: 10 * time.Millisecond})
	bob := broadcast.DialWebSocket(broadcast.WebSocketConfig{URL: wsURL(srv, "bob"), MinBackoff: 10 * time.Millisecond})
	defer alice.Close()
	defer bob.Close()

	ctx := context.Background()
	aliceSub, err := alice.Subscribe(ctx, "layers:p1")
	assert.Equal(t, err, nil)
	bobSub, err := bob.Subscribe(ctx, "layers:p1")
	assert.Equal(t, err, nil)

	waitFor(t, func() bool { return svc.Stats().Channels["layers:p1"] == 2 })

	env, err := broadcast.NewEnvelope(broadcast.LayerCreated, "alice", time.Now(), "a", "root", map[string]any{"id": "a"})
	assert.Equal(t, err, nil)
	assert.Equal(t, alice.Publish(ctx, "layers:p1", env), nil)

	select {
	case got := <-bobSub.Messages():
		assert.Equal(t, got.Event, broadcast.LayerCreated)
		assert.Equal(t, got.Payload.UserID, "alice")
		assert.Equal(t, got.Payload.ParentID, "root")
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the envelope")
	}

	// the sender's own connection is skipped by the relay
	select {
	case got := <-aliceSub.Messages():
		t.Fatalf("alice received her own envelope %v", got.Event)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, bobSub.Close(), nil)
	waitFor(t, func() bool { return svc.Stats().Channels["layers:p1"] == 1 })
}
