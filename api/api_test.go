package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-collab/collab"
	"github.com/spacemeshos/go-collab/log/logtest"
	"github.com/spacemeshos/go-collab/p2p/pubsub"
	"github.com/spacemeshos/go-collab/store"
)

func newTestServer(tb testing.TB) (*httptest.Server, *collab.App) {
	tb.Helper()
	mesh, err := mocknet.FullMeshConnected(1)
	require.NoError(tb, err)
	ctx, cancel := context.WithCancel(context.Background())
	h := mesh.Hosts()[0]
	logger := logtest.New(tb)
	ps, err := pubsub.New(ctx, logger, h, pubsub.DefaultConfig())
	require.NoError(tb, err)
	db := store.OpenMemory()
	app, err := collab.NewApp("apitest", h, ps, db, collab.WithLogger(logger))
	require.NoError(tb, err)
	ts := httptest.NewServer(New(app, WithLogger(logger)).Handler())
	tb.Cleanup(func() {
		ts.Close()
		require.NoError(tb, app.Stop(context.Background()))
		require.NoError(tb, db.Close())
		cancel()
		mesh.Close()
	})
	return ts, app
}

func do(tb testing.TB, method, url string, body any) *http.Response {
	tb.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(tb, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(tb, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(tb, err)
	tb.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](tb testing.TB, resp *http.Response) T {
	tb.Helper()
	var v T
	require.NoError(tb, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type textValue struct {
	Clock map[string]uint64 `json:"clock"`
	Value []string          `json:"value"`
}

func TestCollaborations(t *testing.T) {
	ts, app := newTestServer(t)
	url := ts.URL + "/v1/collaborations/"

	resp := do(t, http.MethodPut, url+"doc", JoinRequest{Type: "rga"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = do(t, http.MethodPut, url+"doc", JoinRequest{Type: "rga"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodPut, url+"doc", JoinRequest{Type: "orset"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = do(t, http.MethodPut, url+"other", JoinRequest{Type: "unknown"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"doc"}, decode[[]string](t, resp))

	resp = do(t, http.MethodGet, url+"doc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[Info](t, resp)
	require.Equal(t, "doc", info.Name)
	require.Equal(t, "rga", info.Type)
	c, exist := app.Lookup("doc")
	require.True(t, exist)
	require.Len(t, info.Peers, len(c.Peers()))

	resp = do(t, http.MethodDelete, url+"doc", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, url+"doc", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotEmpty(t, decode[errorResponse](t, resp).Error)
}

func TestMutations(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/v1/collaborations/doc"
	require.Equal(t, http.StatusCreated, do(t, http.MethodPut, url, JoinRequest{Type: "rga"}).StatusCode)

	resp := do(t, http.MethodPost, url+"/mutations", Mutation{Mutator: "push", Args: []any{"b"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodPost, url+"/mutations", Mutation{Mutator: "insertAt", Args: []any{0, "a"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[textValue](t, resp)
	require.Equal(t, []string{"a", "b"}, v.Value)
	require.NotEmpty(t, v.Clock)

	resp = do(t, http.MethodGet, url+"/value", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"a", "b"}, decode[textValue](t, resp).Value)

	resp = do(t, http.MethodPost, url+"/mutations",
		Mutation{Sub: "tags", Type: "gcounter", Mutator: "inc", Args: []any{3}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, url+"/value?sub=tags", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counter := decode[struct {
		Value uint64 `json:"value"`
	}](t, resp)
	require.Equal(t, uint64(3), counter.Value)

	for _, tc := range []struct {
		desc   string
		body   any
		status int
	}{
		{"unknown mutator", Mutation{Mutator: "pop"}, http.StatusBadRequest},
		{"invalid args", Mutation{Mutator: "insertAt", Args: []any{"x", "y"}}, http.StatusBadRequest},
		{"fractional number", Mutation{Mutator: "insertAt", Args: []any{0.5, "y"}}, http.StatusBadRequest},
		{"unknown sub", Mutation{Sub: "missing", Mutator: "inc"}, http.StatusNotFound},
		{"unknown field", map[string]any{"mutator": "push", "extra": true}, http.StatusBadRequest},
		{"type mismatch", Mutation{Sub: "tags", Type: "orset", Mutator: "add", Args: []any{"x"}}, http.StatusConflict},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			resp := do(t, http.MethodPost, url+"/mutations", tc.body)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
	resp = do(t, http.MethodPost, ts.URL+"/v1/collaborations/missing/mutations", Mutation{Mutator: "push"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatch(t *testing.T) {
	ts, app := newTestServer(t)
	c, err := app.Collaboration(context.Background(), "doc", "rga")
	require.NoError(t, err)

	ws, resp, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/collaborations/doc/watch", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))

	var v textValue
	require.NoError(t, ws.ReadJSON(&v))
	require.Empty(t, v.Value)

	require.NoError(t, c.Shared().Mutate(context.Background(), "push", "a"))
	require.NoError(t, ws.ReadJSON(&v))
	require.Equal(t, []string{"a"}, v.Value)
	require.Equal(t, map[string]uint64(c.Shared().Clock()), v.Clock)

	_, resp, err = websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/collaborations/missing/watch", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
