package target

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
)

// wsTestServer speaks just enough of the upload protocol for the client under
// test: manifest, binary chunks, done, then a result frame.
func wsTestServer(t *testing.T, result UploadResult) (*httptest.Server, *[]byte) {
	t.Helper()
	var received []byte
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/files/upload/ws", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				received = append(received, data...)
				continue
			}
			var ctl wsControl
			require.NoError(t, json.Unmarshal(data, &ctl))
			switch ctl.Event {
			case "manifest":
				// nothing to do until bytes arrive
			case "done":
				raw, _ := json.Marshal(result)
				resp, _ := json.Marshal(wsControl{Event: "result", Result: raw})
				require.NoError(t, conn.WriteMessage(websocket.TextMessage, resp))
				return
			}
		}
	}))
	return srv, &received
}

func TestWSUploader_StreamsFile(t *testing.T) {
	content := []byte("many ebook bytes here")
	dir := t.TempDir()
	path := filepath.Join(dir, "book.fb2")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	srv, received := wsTestServer(t, UploadResult{Status: StatusNew, ServerFingerprint: "abc"})
	defer srv.Close()

	u := NewWSUploader(srv.URL, "tok")
	var lastOffset int64
	u.Progress = func(sent int64) { lastOffset = sent }

	res, err := u.Upload(context.Background(), UploadRequest{
		Meta:        metadata.Record{Title: "T"},
		Fingerprint: fingerprint.Bytes(content),
		FilePath:    path,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNew, res.Status)
	assert.Equal(t, content, *received)
	assert.Equal(t, int64(len(content)), lastOffset)
}

func TestWSUploader_ServerErrorFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		// Reject right after the manifest.
		_, _, _ = conn.ReadMessage()
		resp, _ := json.Marshal(wsControl{Event: "error", Message: "CONFLICT: file already exists"})
		_ = conn.WriteMessage(websocket.TextMessage, resp)
	}))
	defer srv.Close()

	res, err := NewWSUploader(srv.URL, "").Upload(context.Background(), UploadRequest{
		Fingerprint: fingerprint.Fingerprint{Hash: "abc", Size: 1},
		LibraryPath: "/library/x.epub",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
}

func TestWSUploader_DialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res, err := NewWSUploader(srv.URL, "").Upload(context.Background(), UploadRequest{
		Fingerprint: fingerprint.Fingerprint{Hash: "abc", Size: 1},
	})
	require.Error(t, err)
	assert.Equal(t, StatusServerError, res.Status)
}
