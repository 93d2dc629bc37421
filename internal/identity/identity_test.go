// ABOUTME: Tests for key canonicalization, the identity directory, and two-tier resolution
// ABOUTME: Uses an in-memory backend and a scripted contact directory

package identity

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-bridge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memBackend struct {
	mu      sync.Mutex
	rows    []store.Identity
	upserts int
	failing bool
}

func (m *memBackend) Identities(context.Context) ([]store.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Identity(nil), m.rows...), nil
}

func (m *memBackend) UpsertIdentity(_ context.Context, id store.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.upserts++
	for i := range m.rows {
		if m.rows[i].PublicKey == id.PublicKey {
			m.rows[i] = id
			return nil
		}
	}
	m.rows = append(m.rows, id)
	return nil
}

type fakeContacts struct {
	mu       sync.Mutex
	contacts []Contact
	err      error
	queries  int
}

func (f *fakeContacts) LookupContact(_ context.Context, prefix string) (Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return Contact{}, f.err
	}
	for _, c := range f.contacts {
		key, _ := CanonicalKey(c.PublicKey)
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return c, nil
		}
	}
	return Contact{}, ErrContactNotFound
}

func (f *fakeContacts) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func testKey(seed byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

func TestCanonicalKey_Forms(t *testing.T) {
	raw := testKey(0xA0)
	want := hex.EncodeToString(raw)

	forms := map[string]any{
		"raw bytes":      raw,
		"lower hex":      want,
		"upper hex":      strings.ToUpper(want),
		"0x hex":         "0x" + want,
		"base64":         base64.StdEncoding.EncodeToString(raw),
		"raw base64":     base64.RawStdEncoding.EncodeToString(raw),
		"url base64":     base64.URLEncoding.EncodeToString(raw),
		"hex text bytes": []byte(want),
	}
	for name, v := range forms {
		t.Run(name, func(t *testing.T) {
			got, err := CanonicalKey(v)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCanonicalKey_Invalid(t *testing.T) {
	for _, v := range []any{nil, "", "   ", "not a key!!", 42, []byte{}} {
		_, err := CanonicalKey(v)
		assert.ErrorIs(t, err, ErrInvalidKey, "%v", v)
	}
}

func TestCanonicalPrefix(t *testing.T) {
	p, err := CanonicalPrefix(" A0A1a2 ")
	require.NoError(t, err)
	assert.Equal(t, "a0a1a2", p)

	_, err = CanonicalPrefix("a0")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = CanonicalPrefix("zzzzzz")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDirectory_LoadCanonicalizesEveryStoredForm(t *testing.T) {
	backend := &memBackend{rows: []store.Identity{
		{NodeID: "!00000001", Name: "hex", PublicKey: hex.EncodeToString(testKey(0x10))},
		{NodeID: "!00000002", Name: "b64", PublicKey: base64.StdEncoding.EncodeToString(testKey(0x40))},
		{NodeID: "!00000003", Name: "raw", PublicKey: testKey(0x70)},
		{NodeID: "!00000004", Name: "junk", PublicKey: "%%%"},
	}}
	dir := NewDirectory(backend, testLogger())

	n, err := dir.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n, "unreadable key is skipped")

	for seed, node := range map[byte]string{0x10: "!00000001", 0x40: "!00000002", 0x70: "!00000003"} {
		prefix := hex.EncodeToString(testKey(seed))[:8]
		e, ok := dir.Lookup(prefix)
		require.True(t, ok, prefix)
		assert.Equal(t, node, e.NodeID)
	}
}

func TestDirectory_LearnAndFlush(t *testing.T) {
	backend := &memBackend{}
	dir := NewDirectory(backend, testLogger())

	changed, err := dir.Learn("!0000abcd", "Ridge", testKey(1))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = dir.Learn("!0000abcd", "Ridge", hex.EncodeToString(testKey(1)))
	require.NoError(t, err)
	assert.False(t, changed, "same key in another form is not a change")

	n, err := dir.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = dir.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing dirty after a flush")
	assert.Equal(t, 1, backend.upserts)
}

func TestDirectory_FailedFlushStaysDirty(t *testing.T) {
	backend := &memBackend{failing: true}
	dir := NewDirectory(backend, testLogger())
	_, err := dir.Learn("!00000001", "", testKey(9))
	require.NoError(t, err)

	_, err = dir.Flush(context.Background())
	require.Error(t, err)

	backend.failing = false
	n, err := dir.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolver_Tier1DoesNotQueryNetwork(t *testing.T) {
	backend := &memBackend{rows: []store.Identity{
		{NodeID: "!00000005", Name: "b64 node", PublicKey: base64.StdEncoding.EncodeToString(testKey(0x33))},
	}}
	dir := NewDirectory(backend, testLogger())
	_, err := dir.Load(context.Background())
	require.NoError(t, err)

	contacts := &fakeContacts{}
	r := NewResolver(dir, contacts, ResolverOptions{NegativeSize: 8, NegativeTTL: time.Minute}, testLogger())

	e, err := r.Resolve(context.Background(), hex.EncodeToString(testKey(0x33))[:12])
	require.NoError(t, err)
	assert.Equal(t, "!00000005", e.NodeID)
	assert.Equal(t, 0, contacts.Queries())
}

func TestResolver_Tier2HitBecomesTier1(t *testing.T) {
	backend := &memBackend{}
	dir := NewDirectory(backend, testLogger())
	key := testKey(0x55)
	contacts := &fakeContacts{contacts: []Contact{
		{NodeID: "!0000cafe", Name: "Valley", PublicKey: key},
	}}
	r := NewResolver(dir, contacts, ResolverOptions{NegativeSize: 8, NegativeTTL: time.Minute}, testLogger())
	prefix := hex.EncodeToString(key)[:12]

	e, err := r.Resolve(context.Background(), prefix)
	require.NoError(t, err)
	assert.Equal(t, "!0000cafe", e.NodeID)
	assert.Equal(t, 1, contacts.Queries())
	assert.Equal(t, 1, backend.upserts, "tier 2 hit is persisted immediately")

	_, err = r.Resolve(context.Background(), prefix)
	require.NoError(t, err)
	assert.Equal(t, 1, contacts.Queries(), "second lookup is served locally")

	// A fresh directory loaded from the backend also resolves it locally.
	reloaded := NewDirectory(backend, testLogger())
	_, err = reloaded.Load(context.Background())
	require.NoError(t, err)
	_, ok := reloaded.Lookup(prefix)
	assert.True(t, ok)
}

func TestResolver_BothMiss(t *testing.T) {
	dir := NewDirectory(&memBackend{}, testLogger())
	contacts := &fakeContacts{}
	r := NewResolver(dir, contacts, ResolverOptions{NegativeSize: 8, NegativeTTL: time.Minute}, testLogger())

	_, err := r.Resolve(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrUnresolved)
	_, err = r.Resolve(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, 1, contacts.Queries(), "negative cache suppresses the repeat query")
	assert.Equal(t, 1, r.NegativeLen())
}

func TestResolver_NegativeCacheDisabled(t *testing.T) {
	dir := NewDirectory(&memBackend{}, testLogger())
	contacts := &fakeContacts{}
	r := NewResolver(dir, contacts, ResolverOptions{}, testLogger())

	_, _ = r.Resolve(context.Background(), "deadbeef")
	_, _ = r.Resolve(context.Background(), "deadbeef")
	assert.Equal(t, 2, contacts.Queries())
}

func TestResolver_TransportErrorNotCached(t *testing.T) {
	dir := NewDirectory(&memBackend{}, testLogger())
	contacts := &fakeContacts{err: errors.New("connection reset")}
	r := NewResolver(dir, contacts, ResolverOptions{NegativeSize: 8, NegativeTTL: time.Minute}, testLogger())

	_, err := r.Resolve(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, 0, r.NegativeLen())
}

func TestResolver_NoContactDirectory(t *testing.T) {
	dir := NewDirectory(&memBackend{}, testLogger())
	r := NewResolver(dir, nil, ResolverOptions{NegativeTTL: time.Minute}, testLogger())

	_, err := r.Resolve(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestResolver_MismatchedContactRejected(t *testing.T) {
	dir := NewDirectory(&memBackend{}, testLogger())
	contacts := &mismatchContacts{}
	r := NewResolver(dir, contacts, ResolverOptions{NegativeSize: 8, NegativeTTL: time.Minute}, testLogger())

	_, err := r.Resolve(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, 0, dir.Len())
}

type mismatchContacts struct{}

func (mismatchContacts) LookupContact(context.Context, string) (Contact, error) {
	return Contact{NodeID: "!00000009", PublicKey: testKey(0x01)}, nil
}
