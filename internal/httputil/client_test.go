package httputil

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStandardClient(t *testing.T) {
	assert.Equal(t, http.DefaultClient, NewStandardClient(nil))
	c := &http.Client{}
	assert.Equal(t, c, NewStandardClient(c))
}

func TestMockHTTPClientReplaysInOrder(t *testing.T) {
	m := NewMockHTTPClient().
		AddResponse(http.StatusConflict, `{"error":"x"}`).
		AddErrorResponse(errors.New("connection refused"))

	req, err := http.NewRequest(http.MethodPost, "http://mocap/api/session/pause", nil)
	require.NoError(t, err)

	resp, err := m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"error":"x"}`, string(body))

	_, err = m.Do(req)
	assert.EqualError(t, err, "connection refused")

	resp, err = m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Len(t, m.Requests(), 3)
}
