// ABOUTME: Tests for the bridge HTTP surface using httptest
// ABOUTME: Covers report JSON, admin authentication, parameter validation and readiness

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-bridge/internal/auth"
)

func doRequest(t *testing.T, h http.Handler, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeReport(t *testing.T, w *httptest.ResponseRecorder) ReportResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp ReportResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHTTP_Health(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	w := doRequest(t, r.bridge.Handler(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHTTP_ReadyFollowsPrimary(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	h := r.bridge.Handler()

	w := doRequest(t, h, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var ready ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ready))
	assert.False(t, ready.Ready)
	assert.Equal(t, "primary network not connected", ready.Reason)

	r.start(t)
	w = doRequest(t, h, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTP_NodeReport(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	r.start(t)
	r.conn.in <- textRaw("!0000abcd", 1, time.Now(), "hello")
	waitForNode(t, r.bridge, "!0000abcd", 1)
	h := r.bridge.Handler()

	resp := decodeReport(t, doRequest(t, h, http.MethodGet, "/api/nodes/!0000abcd?compact=1", nil, nil))
	assert.False(t, resp.NoData)
	assert.True(t, strings.HasPrefix(resp.Text, "!0000abcd: 1 pkts"), resp.Text)

	resp = decodeReport(t, doRequest(t, h, http.MethodGet, "/api/nodes/!ffff0000", nil, nil))
	assert.True(t, resp.NoData)

	w := doRequest(t, h, http.MethodPost, "/api/nodes/!0000abcd", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTP_RankParamsValidated(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	h := r.bridge.Handler()

	for _, target := range []string{"/api/talkers?window=soon", "/api/links?n=0", "/api/links?n=x"} {
		w := doRequest(t, h, http.MethodGet, target, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}

	resp := decodeReport(t, doRequest(t, h, http.MethodGet, "/api/talkers?window=7d&n=3", nil, nil))
	assert.True(t, resp.NoData)
	assert.Equal(t, "No packets in 7d", resp.Text)

	resp = decodeReport(t, doRequest(t, h, http.MethodGet, "/api/neighbors?filter=abcd", nil, nil))
	assert.True(t, resp.NoData)
}

func TestHTTP_AdminAuth(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	h := r.bridge.Handler()
	body := PurgeRequest{OlderThan: "30d"}

	w := doRequest(t, h, http.MethodPost, "/api/admin/purge", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, h, http.MethodPost, "/api/admin/purge", body, map[string]string{auth.HeaderAdminSecret: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())

	w = doRequest(t, h, http.MethodPost, "/api/admin/purge", body, map[string]string{"Authorization": "Bearer " + testSecret})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var purged PurgeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&purged))
	assert.Zero(t, purged.Packets)

	w = doRequest(t, h, http.MethodPost, "/api/admin/compact", nil, map[string]string{auth.HeaderAdminSecret: testSecret})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, h, http.MethodGet, "/api/admin/compact", nil, map[string]string{auth.HeaderAdminSecret: testSecret})
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTP_PurgeRequiresCutoff(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	h := r.bridge.Handler()
	hdr := map[string]string{auth.HeaderAdminSecret: testSecret}

	w := doRequest(t, h, http.MethodPost, "/api/admin/purge", PurgeRequest{}, hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, h, http.MethodPost, "/api/admin/purge", PurgeRequest{OlderThan: "-1h"}, hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_AdminRejectsBeforeReadingBody(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	h := r.bridge.Handler()
	wrong := map[string]string{auth.HeaderAdminSecret: "nope"}

	cases := []struct {
		path string
		body any
	}{
		{"/api/admin/purge", "not an object"},
		{"/api/admin/purge", PurgeRequest{}},
		{"/api/admin/purge", PurgeRequest{OlderThan: "soon"}},
		{"/api/admin/announce", "not an object"},
		{"/api/admin/announce", AnnounceRequest{Text: "  "}},
	}
	for _, tc := range cases {
		for _, hdr := range []map[string]string{nil, wrong} {
			w := doRequest(t, h, http.MethodPost, tc.path, tc.body, hdr)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("%s %v: got %d, want 401 (%s)", tc.path, tc.body, w.Code, w.Body.String())
			}
			assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
		}
	}

	w := doRequest(t, h, http.MethodPost, "/api/admin/purge", "not an object", map[string]string{auth.HeaderAdminSecret: testSecret})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_Announce(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	r.start(t)
	h := r.bridge.Handler()
	hdr := map[string]string{auth.HeaderAdminSecret: testSecret}

	w := doRequest(t, h, http.MethodPost, "/api/admin/announce", AnnounceRequest{Text: ""}, hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, h, http.MethodPost, "/api/admin/announce", AnnounceRequest{Text: "storm warning"}, hdr)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, r.conn.Sent(), 1)
}

func TestHTTP_IdentityLookup(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	ctx := context.Background()
	_, err := r.bridge.directory.Remember(ctx, "!0000abcd", "Ridge", "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90")
	require.NoError(t, err)
	h := r.bridge.Handler()

	w := doRequest(t, h, http.MethodGet, "/api/identities/a1b2c3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var id IdentityResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&id))
	assert.Equal(t, "!0000abcd", id.NodeID)
	assert.Equal(t, "Ridge", id.Name)

	w = doRequest(t, h, http.MethodGet, "/api/identities/ffffff", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, h, http.MethodGet, "/api/identities/zz", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_StatusAndMetrics(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	r.start(t)
	r.conn.in <- textRaw("!0000abcd", 1, time.Now(), "hello")
	waitForNode(t, r.bridge, "!0000abcd", 1)
	h := r.bridge.Handler()

	w := doRequest(t, h, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	require.Len(t, st.Networks, 1)
	assert.True(t, st.Networks[0].Connected)
	assert.Equal(t, int64(1), st.LifetimePackets)
	assert.Equal(t, 1, st.Nodes)
	require.NotNil(t, st.Stored)
	assert.Equal(t, int64(1), st.Stored.Packets)

	w = doRequest(t, h, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "meshbridge_packets_ingested_total")
}
