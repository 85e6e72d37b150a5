package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/mocapfusion/internal/httputil"
	"github.com/banshee-data/mocapfusion/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientAgainstServer(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.mux)
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL+"/", nil)

	list, err := c.Sessions(ctx, "memory")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	res, err := c.Play(ctx, "memory", "take-1", 0, -1, "127.0.0.1", 9200)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Session.FrameCount)
	assert.Equal(t, "127.0.0.1:9200", res.Receiver)

	st, err := c.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ModePaused, st.Mode)

	st, err = c.Jump(ctx, 150)
	require.NoError(t, err)
	require.NotNil(t, st.Position)
	assert.Equal(t, 2, st.Position.Cursor)

	_, err = c.Resume(ctx)
	require.NoError(t, err)
	_, err = c.Stop(ctx)
	require.NoError(t, err)

	_, err = c.Pause(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	meta, err := c.Record(ctx)
	require.NoError(t, err)
	stopped, err := c.StopRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.Name, stopped.Name)
	require.NoError(t, c.DeleteSession(ctx, "memory", stopped.Name))
	list, err = c.Sessions(ctx, "memory")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ModeWaiting, status.Session.Mode)
}

func TestClientWithMockTransport(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusNotFound, `{"error":"Source s3 not found"}`).
		AddResponse(http.StatusBadGateway, "upstream down").
		AddErrorResponse(errors.New("connection refused")).
		AddResponse(http.StatusOK, "not json")

	c := NewClient("http://mocap:8090", mock)
	ctx := context.Background()

	_, err := c.Play(ctx, "s3", "take", 10, -1, "", 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Source s3 not found", apiErr.Message)

	_, err = c.Status(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Message)

	_, err = c.Stop(ctx)
	assert.ErrorContains(t, err, "connection refused")

	_, err = c.Sessions(ctx, "memory")
	assert.ErrorContains(t, err, "decode response")

	reqs := mock.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/session/play", reqs[0].URL.Path)
	assert.Equal(t, "10", reqs[0].URL.Query().Get("start"))
	assert.Equal(t, "-1", reqs[0].URL.Query().Get("end"))
	assert.Empty(t, reqs[0].URL.Query().Get("host"))
}
