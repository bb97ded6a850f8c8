package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/unitd/pkg/config"
	"github.com/cuemby/unitd/pkg/manager"
)

func newTestServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.service"), []byte("[Unit]\nDescription=a unit\n"), 0644))
	cfg := config.Config{UnitPath: []string{dir}, DataDir: t.TempDir(), SocketPath: "/tmp/unitd-api-test.sock"}
	mgr, err := manager.New(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.LoadAll())
	t.Cleanup(func() { mgr.Stop() })
	return NewServer(mgr), mgr
}

func TestHandleListUnitsReturnsLoadedUnit(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/units")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var views []unitView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))

	names := make([]string, 0, len(views))
	for _, v := range views {
		names = append(names, v.Name)
	}
	assert.Contains(t, names, "a.service")
}

func TestHandleGetUnitUnknownReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/units/nope.service")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleEnqueueJobStartsUnit(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(jobRequest{Type: "start", Mode: "replace"})
	resp, err := http.Post(srv.URL+"/units/a.service/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	var jr jobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jr))
	assert.Equal(t, 1, jr.UnitCount)
	assert.Equal(t, []string{"a.service"}, jr.Units)
}

func TestHandleEnqueueJobUnknownTypeReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(jobRequest{Type: "frobnicate"})
	resp, err := http.Post(srv.URL+"/units/a.service/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDMiddlewarePreservesClientSuppliedID(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "test-request-id")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "test-request-id", resp.Header.Get(requestIDHeader))
}
