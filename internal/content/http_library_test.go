package content

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/protocol"
)

func chapters(n int) []Chapter {
	out := make([]Chapter, n)
	for i := range out {
		out[i] = Chapter{Title: "Chapter", Index: i}
	}
	return out
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	write := func(w http.ResponseWriter, ok bool, msg string, data any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"isSuccess": ok, "errorMsg": msg, "data": data})
	}

	mux.HandleFunc("/getBookshelf", func(w http.ResponseWriter, r *http.Request) {
		write(w, true, "", []Book{
			{BookURL: "https://example.com/b1", Name: "Book One", Author: "A", Origin: "https://example.com"},
			{BookURL: "local.txt", Name: "Local", Origin: localOrigin},
		})
	})
	mux.HandleFunc("/getChapterList", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("url") {
		case "https://example.com/b1":
			write(w, true, "", chapters(10))
		case "local.txt":
			write(w, true, "", chapters(3))
		default:
			write(w, false, "not found", nil)
		}
	})
	mux.HandleFunc("/refreshToc", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("url") != "https://example.com/b1" {
			write(w, false, "source unavailable", nil)
			return
		}
		list := chapters(13)
		list[11].Title = "Latest"
		list[12] = Chapter{Title: "Volume 2", Index: 12, IsVolume: true}
		write(w, true, "", list)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPLibrary(t *testing.T) {
	srv := newTestServer(t)
	lib := NewHTTPLibrary(srv.URL+"/", 5*time.Second, zap.NewNop())
	ctx := context.Background()

	t.Run("Lookup", func(t *testing.T) {
		item, err := lib.Lookup(ctx, "https://example.com/b1")
		require.NoError(t, err)
		assert.Equal(t, "Book One", item.Name)
		assert.Equal(t, "A", item.Author)
		assert.Equal(t, 10, item.ChapterCount)
		assert.False(t, item.Local)

		item, err = lib.Lookup(ctx, "local.txt")
		require.NoError(t, err)
		assert.True(t, item.Local)
		assert.Equal(t, 3, item.ChapterCount)
	})

	t.Run("Lookup Missing", func(t *testing.T) {
		_, err := lib.Lookup(ctx, "https://example.com/none")
		require.ErrorIs(t, err, protocol.ErrTargetNotFound)
	})

	t.Run("Refresh", func(t *testing.T) {
		res, err := lib.Refresh(ctx, "https://example.com/b1")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 13, res.ChapterCount)
		assert.Equal(t, "Latest", res.LatestChapter)
	})

	t.Run("Refresh Failure", func(t *testing.T) {
		res, err := lib.Refresh(ctx, "local.txt")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "source unavailable", res.ErrorMessage)
	})

	t.Run("HTTP Error", func(t *testing.T) {
		var env envelope[[]Book]
		err := get(ctx, lib, "/broken", nil, &env)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})
}

func TestDispatcherOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	lib := NewHTTPLibrary(srv.URL, time.Second, zap.NewNop())
	d := protocol.NewDispatcher(lib, nil, nil, zap.NewNop())

	report, err := d.Handle(context.Background(),
		`{"type":"refreshToc","bookUrl":"https://example.com/b1"}`,
		protocol.TaskContext{TaskID: "r1", TaskName: "t", Now: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, []string{"《Book One》 +3"}, report.Summaries)
}

func TestLatestTitle(t *testing.T) {
	assert.Empty(t, LatestTitle(nil))
	assert.Equal(t, "V2", LatestTitle([]Chapter{{Title: "V1", IsVolume: true}, {Title: "V2", IsVolume: true}}))
	assert.Equal(t, "b", LatestTitle([]Chapter{{Title: "a"}, {Title: "b"}, {Title: "V", IsVolume: true}}))
}
