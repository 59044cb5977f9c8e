package playback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanharte/playsync/internal/logger"
)

func TestListSessions(t *testing.T) {
	logger.Setup(logger.Config{Level: "debug"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "ext-1", r.URL.Query().Get("user"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("itemsPerPage"))
		assert.NotEmpty(t, r.URL.Query().Get("updatedAfter"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sessions":[{"id":"s1","positionMs":1000}],"total":1,"page":2}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token")
	after := time.Now().Add(-time.Hour)
	page, err := c.ListSessions(context.Background(), "ext-1", &after, 2, 50)
	require.NoError(t, err)
	require.Len(t, page.Sessions, 1)
	assert.Equal(t, "s1", *page.Sessions[0].ID)
	assert.Equal(t, int64(1000), *page.Sessions[0].PositionMs)
	assert.Equal(t, 50, page.PageSize)
}

func TestListSessionsOmitsFilterWhenNil(t *testing.T) {
	logger.Setup(logger.Config{Level: "debug"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("updatedAfter"))
		w.Write([]byte(`{"sessions":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	page, err := c.ListSessions(context.Background(), "", nil, 0, 25)
	require.NoError(t, err)
	assert.Empty(t, page.Sessions)
}

func TestGetItemProgressNotFound(t *testing.T) {
	logger.Setup(logger.Config{Level: "debug"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	snap, err := c.GetItemProgress(context.Background(), "ext-1", "missing-item")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestGetItemProgressFillsItemID(t *testing.T) {
	logger.Setup(logger.Config{Level: "debug"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items/item-7/progress", r.URL.Path)
		w.Write([]byte(`{"currentTime":120.5}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	snap, err := c.GetItemProgress(context.Background(), "", "item-7")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "item-7", *snap.ItemID)
	pos, ok := snap.PositionMillis()
	require.True(t, ok)
	assert.Equal(t, int64(120500), pos)
}

func TestGetItemDetailDerivesDurationMs(t *testing.T) {
	logger.Setup(logger.Config{Level: "debug"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"Dune","author":"Frank Herbert","duration":3600}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	detail, err := c.GetItemDetail(context.Background(), "item-3")
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, "item-3", detail.ID)
	assert.Equal(t, int64(3600000), detail.DurationMs)
}

func TestRetriesTransientServerErrors(t *testing.T) {
	logger.Setup(logger.Config{Level: "debug"})

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"ext-user"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	info, err := c.GetCurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ext-user", info.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	logger.Setup(logger.Config{Level: "debug"})

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.GetCurrentUser(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}
