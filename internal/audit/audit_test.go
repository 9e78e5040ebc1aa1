package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tablestore"
)

func newTestLog(t *testing.T, endpoint string) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(config.AuditConfig{Enabled: true, Dir: dir, Endpoint: endpoint},
		ProducerInfo{Name: "bulk-tunnel", Version: "test", GitSHA: "abc"})
	require.NoError(t, err)
	l.delay = time.Millisecond
	clock := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return l, dir
}

func commit(table, session string) tablestore.CommitRecord {
	return tablestore.CommitRecord{
		Table:     table,
		Partition: "ds=2024-01-01",
		SessionID: session,
		Files: []tablestore.CommittedFile{
			{BlockSeq: 1, Key: "k1", URI: "mem://k1", Size: 10, Checksum: "sha256:aa"},
			{BlockSeq: 2, Key: "k2", URI: "mem://k2", Size: 20, Checksum: "sha256:bb"},
		},
		CommittedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func readSaved(t *testing.T, dir string) map[string]*Event {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, eventsDir, "*.json"))
	require.NoError(t, err)
	out := make(map[string]*Event)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		var evt Event
		require.NoError(t, json.Unmarshal(data, &evt))
		out[evt.Commit.SessionID] = &evt
	}
	return out
}

func TestEventHash(t *testing.T) {
	evt := &Event{Version: eventVersion, EventID: "e1", Commit: CommitInfo{Table: "t"}}
	h1, err := evt.Hash()
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h1)

	evt.Chain.EventHash = h1
	h2, err := evt.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "own hash is excluded")

	evt.Commit.Partition = "ds=x"
	h3, err := evt.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	evt.Chain.Seq = 2
	h4, err := evt.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h3, h4)
}

func linked(t *testing.T, h *Heads, session string) *Event {
	t.Helper()
	evt := &Event{EventID: session, Commit: CommitInfo{Table: "t", Partition: "ds=a", SessionID: session}}
	require.NoError(t, h.Link(evt))
	hash, err := evt.Hash()
	require.NoError(t, err)
	evt.Chain.EventHash = hash
	return evt
}

func TestHeadsPersist(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHeads(dir)
	require.NoError(t, err)

	_, ok, err := h.Get("t")
	require.NoError(t, err)
	assert.False(t, ok)

	first := linked(t, h, "s1")
	assert.Equal(t, uint64(1), first.Chain.Seq)
	assert.Empty(t, first.Chain.PrevEventHash)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.Advance(first, at))

	reopened, err := OpenHeads(dir)
	require.NoError(t, err)
	head, ok, err := reopened.Get("t")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Head{Seq: 1, Hash: first.Chain.EventHash, SessionID: "s1", Partition: "ds=a", UpdatedAt: at}, head)

	second := linked(t, reopened, "s2")
	assert.Equal(t, uint64(2), second.Chain.Seq)
	assert.Equal(t, first.Chain.EventHash, second.Chain.PrevEventHash)
}

func TestHeadsRejectConcurrentWriter(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenHeads(dir)
	require.NoError(t, err)
	b, err := OpenHeads(dir)
	require.NoError(t, err)

	ea := linked(t, a, "s1")
	eb := linked(t, b, "s2")
	require.NoError(t, a.Advance(ea, time.Now()))
	assert.ErrorIs(t, b.Advance(eb, time.Now()), ErrChainMoved)

	// relinking picks up the other writer's head
	eb = linked(t, b, "s2")
	assert.Equal(t, uint64(2), eb.Chain.Seq)
	require.NoError(t, b.Advance(eb, time.Now()))
}

func TestRecordCommitChainsPerTable(t *testing.T) {
	l, dir := newTestLog(t, "")
	ctx := context.Background()

	require.NoError(t, l.RecordCommit(ctx, commit("people", "s1")))
	require.NoError(t, l.RecordCommit(ctx, commit("people", "s2")))
	require.NoError(t, l.RecordCommit(ctx, commit("orders", "s3")))

	saved := readSaved(t, dir)
	require.Len(t, saved, 3)
	assert.Empty(t, saved["s1"].Chain.PrevEventHash)
	assert.Equal(t, saved["s1"].Chain.EventHash, saved["s2"].Chain.PrevEventHash)
	assert.Equal(t, uint64(2), saved["s2"].Chain.Seq)
	assert.Empty(t, saved["s3"].Chain.PrevEventHash)
	assert.Equal(t, uint64(1), saved["s3"].Chain.Seq)

	assert.Equal(t, eventTypeCommit, saved["s1"].EventType)
	assert.Equal(t, "bulk-tunnel", saved["s1"].Producer.Name)
	assert.Equal(t, []FileInfo{
		{BlockSeq: 1, URI: "mem://k1", Checksum: "sha256:aa", ByteSize: 10},
		{BlockSeq: 2, URI: "mem://k2", Checksum: "sha256:bb", ByteSize: 20},
	}, saved["s2"].Files)

	rep, err := Verify(dir, "people")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Linked)
	assert.Equal(t, 0, rep.Orphaned)
	assert.Equal(t, saved["s2"].Chain.EventHash, rep.Head.Hash)
	assert.Equal(t, "s2", rep.Head.SessionID)

	rep, err = Verify(dir, "missing")
	require.NoError(t, err)
	assert.Zero(t, rep.Linked)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, dir := newTestLog(t, "")
	ctx := context.Background()
	require.NoError(t, l.RecordCommit(ctx, commit("people", "s1")))
	require.NoError(t, l.RecordCommit(ctx, commit("people", "s2")))

	paths, err := filepath.Glob(filepath.Join(dir, eventsDir, "*.json"))
	require.NoError(t, err)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		var evt Event
		require.NoError(t, json.Unmarshal(data, &evt))
		if evt.Commit.SessionID != "s1" {
			continue
		}
		evt.Files[0].Checksum = "sha256:forged"
		data, err = json.Marshal(evt)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p, data, 0644))
	}

	_, err = Verify(dir, "people")
	assert.ErrorContains(t, err, "hash mismatch")
}

func TestVerifyDetectsMissingEvent(t *testing.T) {
	l, dir := newTestLog(t, "")
	ctx := context.Background()
	require.NoError(t, l.RecordCommit(ctx, commit("people", "s1")))
	require.NoError(t, l.RecordCommit(ctx, commit("people", "s2")))

	first := readSaved(t, dir)["s1"]
	require.NoError(t, os.Remove(filepath.Join(dir, eventsDir, "people_"+first.EventID+".json")))

	_, err := Verify(dir, "people")
	assert.ErrorContains(t, err, "broken")
}

func TestHTTPPostRetriesThenAdvances(t *testing.T) {
	var calls atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	l, dir := newTestLog(t, srv.URL)
	require.NoError(t, l.RecordCommit(context.Background(), commit("people", "s1")))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "s1", got.Commit.SessionID)

	head, ok, err := l.heads.Get("people")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got.Chain.EventHash, head.Hash)

	rep, err := Verify(dir, "people")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Linked)
}

func TestHTTPRejectionLeavesChainUnchanged(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	l, dir := newTestLog(t, srv.URL)
	err := l.RecordCommit(context.Background(), commit("people", "s1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 400: bad event")
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")

	_, ok, err := l.heads.Get("people")
	require.NoError(t, err)
	assert.False(t, ok)

	rep, err := Verify(dir, "people")
	require.NoError(t, err)
	assert.Zero(t, rep.Linked)
}

func TestHTTPGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l, _ := newTestLog(t, srv.URL)
	err := l.RecordCommit(context.Background(), commit("people", "s1"))
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}
