package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shelfward/shelfward/config"
)

const tmSessionID = "session-token-1"

// tmServer answers Transmission RPC with the 409 session-id handshake in
// front of every call.
func tmServer(t *testing.T, handle func(method string, args json.RawMessage) (string, any)) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Transmission-Session-Id") != tmSessionID {
			w.Header().Set("X-Transmission-Session-Id", tmSessionID)
			w.WriteHeader(http.StatusConflict)
			return
		}

		var req struct {
			Method    string          `json:"method"`
			Arguments json.RawMessage `json:"arguments"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, args := handle(req.Method, req.Arguments)
		resp := map[string]any{"result": result}
		if args != nil {
			resp["arguments"] = args
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)

	cli, err := New(&config.ClientGlobal{
		Type:           config.ClientTransmission,
		URL:            srv.URL,
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	return srv, cli
}

func TestTmConnectHandlesSessionHandshake(t *testing.T) {
	var calls atomic.Int32
	_, cli := tmServer(t, func(method string, _ json.RawMessage) (string, any) {
		calls.Add(1)
		require.Equal(t, "session-get", method)
		return "success", map[string]any{"version": "4.0.5"}
	})

	require.NoError(t, cli.Connect(context.Background()))

	st, err := cli.Status(context.Background())
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.Equal(t, "4.0.5", st.Version)
}

func TestTmAddReturnsHash(t *testing.T) {
	var gotArgs json.RawMessage
	_, cli := tmServer(t, func(method string, args json.RawMessage) (string, any) {
		require.Equal(t, "torrent-add", method)
		gotArgs = args
		return "success", map[string]any{
			"torrent-added": map[string]any{"hashString": "ABCD1234", "name": "Book"},
		}
	})

	hash, err := cli.Add(context.Background(), AddRequest{
		URL:      "magnet:?xt=urn:btih:abcd1234",
		Category: "audiobooks",
		SavePath: "/downloads",
		Tag:      "tag42",
	})
	require.NoError(t, err)
	require.Equal(t, "abcd1234", hash)

	var sent struct {
		Filename    string   `json:"filename"`
		Labels      []string `json:"labels"`
		DownloadDir string   `json:"download-dir"`
	}
	require.NoError(t, json.Unmarshal(gotArgs, &sent))
	require.Equal(t, []string{"audiobooks", "MID=tag42"}, sent.Labels)
	require.Equal(t, "/downloads", sent.DownloadDir)
}

func TestTmAddDuplicate(t *testing.T) {
	_, cli := tmServer(t, func(method string, _ json.RawMessage) (string, any) {
		return "success", map[string]any{
			"torrent-duplicate": map[string]any{"hashString": "ABCD", "name": "Book"},
		}
	})

	_, err := cli.Add(context.Background(), AddRequest{URL: "magnet:?xt=urn:btih:abcd"})
	var ae *AddError
	require.ErrorAs(t, err, &ae)
	require.True(t, ae.Duplicate)
}

func TestTmInfoMapsStateAndFiles(t *testing.T) {
	_, cli := tmServer(t, func(method string, _ json.RawMessage) (string, any) {
		require.Equal(t, "torrent-get", method)
		return "success", map[string]any{
			"torrents": []map[string]any{{
				"hashString":  "ABCD",
				"name":        "Book",
				"downloadDir": "/downloads",
				"percentDone": 1.0,
				"eta":         -1,
				"status":      6,
				"files": []map[string]any{
					{"name": "Book/book.m4b"},
				},
			}},
		}
	})

	info, err := cli.Info(context.Background(), "abcd")
	require.NoError(t, err)
	require.Equal(t, "abcd", info.Hash)
	require.Equal(t, StateSeeding, info.State)
	require.Equal(t, "seeding", info.RawState)
	require.True(t, info.Complete())
	require.Equal(t, []string{"/downloads/Book/book.m4b"}, info.Files)
}

func TestTmInfoErrorStringWins(t *testing.T) {
	_, cli := tmServer(t, func(string, json.RawMessage) (string, any) {
		return "success", map[string]any{
			"torrents": []map[string]any{{
				"hashString":  "ABCD",
				"status":      4,
				"errorString": "tracker gave up",
			}},
		}
	})

	info, err := cli.Info(context.Background(), "abcd")
	require.NoError(t, err)
	require.Equal(t, StateError, info.State)
}

func TestTmInfoUnknownHash(t *testing.T) {
	_, cli := tmServer(t, func(string, json.RawMessage) (string, any) {
		return "success", map[string]any{"torrents": []any{}}
	})

	_, err := cli.Info(context.Background(), "ffff")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTmResolveTagScansLabels(t *testing.T) {
	_, cli := tmServer(t, func(string, json.RawMessage) (string, any) {
		return "success", map[string]any{
			"torrents": []map[string]any{
				{"hashString": "1111", "labels": []string{"audiobooks"}},
				{"hashString": "BEEF", "labels": []string{"audiobooks", "MID=tag42"}},
			},
		}
	})

	hash, err := cli.ResolveTag(context.Background(), "tag42")
	require.NoError(t, err)
	require.Equal(t, "beef", hash)
}

func TestTmRPCFailureSurfaces(t *testing.T) {
	_, cli := tmServer(t, func(string, json.RawMessage) (string, any) {
		return "unrecognized method", nil
	})

	err := cli.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unrecognized method")
}
