// ABOUTME: HTTP surface for rich front ends: reports, admin operations, status and health
// ABOUTME: Reports return {"text","no_data"}; compact=1 selects the single radio message form

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mesh-bridge/internal/auth"
	"github.com/2389/mesh-bridge/internal/config"
	"github.com/2389/mesh-bridge/internal/identity"
	"github.com/2389/mesh-bridge/internal/metrics"
	"github.com/2389/mesh-bridge/internal/report"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 64 << 10

// ReportResponse is the JSON form of a report.Result.
type ReportResponse struct {
	Text   string `json:"text"`
	NoData bool   `json:"no_data"`
}

// IdentityResponse is a resolved identity.
type IdentityResponse struct {
	NodeID    string `json:"node_id"`
	Name      string `json:"name,omitempty"`
	PublicKey string `json:"public_key"`
}

// PurgeRequest selects what PurgeHistory removes. Before wins over OlderThan.
type PurgeRequest struct {
	Before    *time.Time `json:"before,omitempty"`
	OlderThan string     `json:"older_than,omitempty"`
}

// PurgeResponse reports removed rows.
type PurgeResponse struct {
	Packets   int64 `json:"packets"`
	Neighbors int64 `json:"neighbors"`
}

// AnnounceRequest carries a mirrored broadcast.
type AnnounceRequest struct {
	Text string `json:"text"`
}

// ReadyResponse is served on /health/ready.
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
	Status Status `json:"status"`
}

// Handler returns the bridge's HTTP handler.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/health/ready", b.handleReady)
	mux.HandleFunc("/api/status", b.handleStatus)

	mux.HandleFunc("/api/nodes/{id}", b.handleNode)
	mux.HandleFunc("/api/neighbors", b.handleNeighbors)
	mux.HandleFunc("/api/links", b.handleLinks)
	mux.HandleFunc("/api/talkers", b.handleTalkers)
	mux.HandleFunc("/api/identities/{prefix}", b.handleIdentity)

	mux.HandleFunc("/api/admin/purge", b.handlePurge)
	mux.HandleFunc("/api/admin/compact", b.handleCompact)
	mux.HandleFunc("/api/admin/announce", b.handleAnnounce)

	if b.config.Metrics.Enabled {
		mux.Handle(b.config.Metrics.Path, metrics.Handler(b.registry))
	}
	return withRequestID(mux, b.logger)
}

// withRequestID tags each request with an id, echoing the caller's when given.
func withRequestID(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "request_id", id, "duration", time.Since(start))
	})
}

// sendJSONError writes {"error": msg} with status.
func sendJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendReport(w http.ResponseWriter, res report.Result) {
	sendJSON(w, http.StatusOK, ReportResponse{Text: res.Text, NoData: res.NoData})
}

// handleHealth returns 200 OK if the process is alive.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 while the primary network is up and persistence
// is healthy.
func (b *Bridge) handleReady(w http.ResponseWriter, r *http.Request) {
	st := b.Status(r.Context())
	resp := ReadyResponse{Ready: true, Status: st}
	switch {
	case len(st.Networks) == 0 || !st.Networks[0].Connected:
		resp.Ready, resp.Reason = false, "primary network not connected"
	case !st.Healthy:
		resp.Ready, resp.Reason = false, "persistence failing"
	}
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, code, resp)
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sendJSON(w, http.StatusOK, b.Status(r.Context()))
}

func (b *Bridge) handleNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res, err := b.QueryNodeStats(r.Context(), r.PathValue("id"), compactParam(r))
	if err != nil {
		b.logger.Error("node stats query failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	sendReport(w, res)
}

func (b *Bridge) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res, err := b.NeighborReport(r.Context(), r.URL.Query().Get("filter"), compactParam(r))
	if err != nil {
		b.logger.Error("neighbor report failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	sendReport(w, res)
}

func (b *Bridge) handleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	window, n, err := rankParams(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := b.TopPropagationLinks(r.Context(), window, n, compactParam(r))
	if err != nil {
		b.logger.Error("propagation report failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	sendReport(w, res)
}

func (b *Bridge) handleTalkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	window, n, err := rankParams(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := b.TopTalkers(r.Context(), window, n, compactParam(r))
	if err != nil {
		b.logger.Error("top talkers failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	sendReport(w, res)
}

func (b *Bridge) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	prefix := r.PathValue("prefix")
	if _, err := identity.CanonicalPrefix(prefix); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid key prefix")
		return
	}
	entry, err := b.ResolveIdentity(r.Context(), prefix)
	switch {
	case errors.Is(err, identity.ErrUnresolved):
		sendJSONError(w, http.StatusNotFound, "identity not found")
		return
	case err != nil:
		b.logger.Error("identity lookup failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	sendJSON(w, http.StatusOK, IdentityResponse{NodeID: entry.NodeID, Name: entry.Name, PublicKey: entry.PublicKey})
}

func (b *Bridge) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !b.authorize(w, r, "purge") {
		return
	}
	var req PurgeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var before time.Time
	switch {
	case req.Before != nil:
		before = *req.Before
	case req.OlderThan != "":
		d, err := config.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			sendJSONError(w, http.StatusBadRequest, "invalid older_than")
			return
		}
		before = b.now().Add(-d)
	default:
		sendJSONError(w, http.StatusBadRequest, "before or older_than is required")
		return
	}

	res, err := b.purgeHistory(r.Context(), before)
	if err != nil {
		b.sendAdminError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, PurgeResponse{Packets: res.Packets, Neighbors: res.Neighbors})
}

func (b *Bridge) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := b.Compact(r.Context(), auth.ExtractCredential(r)); err != nil {
		b.sendAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !b.authorize(w, r, "announce") {
		return
	}
	var req AnnounceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := b.announce(r.Context(), req.Text); err != nil {
		b.sendAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize checks the credential before anything in the request body is
// looked at, so unauthenticated callers only ever see 401.
func (b *Bridge) authorize(w http.ResponseWriter, r *http.Request, op string) bool {
	if err := b.gate.Check(auth.ExtractCredential(r)); err != nil {
		b.logger.Warn("admin request rejected", "operation", op)
		b.sendAdminError(w, err)
		return false
	}
	return true
}

func (b *Bridge) sendAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		sendJSONError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrEmptyAnnouncement):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		b.logger.Error("admin operation failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "operation failed")
	}
}

func compactParam(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("compact"))
	return v
}

// rankParams reads window and n. Absent values are zero, meaning default.
func rankParams(r *http.Request) (time.Duration, int, error) {
	q := r.URL.Query()
	var (
		window time.Duration
		n      int
		err    error
	)
	if v := q.Get("window"); v != "" {
		window, err = config.ParseDuration(v)
		if err != nil || window <= 0 {
			return 0, 0, fmt.Errorf("invalid window %q", v)
		}
	}
	if v := q.Get("n"); v != "" {
		n, err = strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid n %q", v)
		}
	}
	return window, n, nil
}
