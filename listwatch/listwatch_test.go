package listwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/oadalist/listwatch/internal/metadata"
	"github.com/hazyhaar/oadalist/oadaclient"
)

// fakeConn is a minimal in-memory oadaclient.Conn. Watch is single-shot: the
// test pushes batches directly onto the channel it returns, controlling
// exactly when the watch's processing goroutine sees each one.
type fakeConn struct {
	mu               sync.Mutex
	resources        map[string]json.RawMessage
	revHeader        map[string]string
	nextID           int
	puts             []putRecord
	watchRevs        []int64
	watchCh          chan oadaclient.ChangeBatch
	forcedHeadStatus int // 0 means "use the normal exists/404 logic"
}

type putRecord struct {
	path string
	body json.RawMessage
}

func newFakeConn(listPath string, rootBody string) *fakeConn {
	return &fakeConn{
		resources: map[string]json.RawMessage{listPath: json.RawMessage(rootBody)},
		revHeader: map[string]string{},
		watchCh:   make(chan oadaclient.ChangeBatch, 8),
	}
}

func (c *fakeConn) Head(_ context.Context, path string) (oadaclient.HeadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forcedHeadStatus != 0 {
		return oadaclient.HeadResult{Status: c.forcedHeadStatus}, nil
	}
	if _, ok := c.resources[path]; ok {
		return oadaclient.HeadResult{Status: 200}, nil
	}
	return oadaclient.HeadResult{Status: 404}, nil
}

func (c *fakeConn) Get(_ context.Context, path string, _ json.RawMessage) (oadaclient.GetResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.resources[path]
	if !ok {
		return oadaclient.GetResult{}, &oadaclient.StatusError{Op: "GET", Path: path, Status: 404}
	}
	headers := map[string]string{}
	if rev, ok := c.revHeader[path]; ok {
		headers[http.CanonicalHeaderKey("X-OADA-Rev")] = rev
	}
	return oadaclient.GetResult{Data: body, Headers: headers}, nil
}

func (c *fakeConn) Put(_ context.Context, path string, data json.RawMessage, _ json.RawMessage) (oadaclient.PutResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, putRecord{path: path, body: append(json.RawMessage(nil), data...)})
	existing, ok := c.resources[path]
	if !ok {
		c.resources[path] = data
		return oadaclient.PutResult{}, nil
	}
	dst := map[string]any{}
	_ = json.Unmarshal(existing, &dst)
	var src map[string]any
	_ = json.Unmarshal(data, &src)
	deepMergeMaps(dst, src)
	out, _ := json.Marshal(dst)
	c.resources[path] = out
	return oadaclient.PutResult{}, nil
}

func deepMergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				deepMergeMaps(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

func (c *fakeConn) Post(_ context.Context, _ string, _ json.RawMessage, _ string) (oadaclient.PutResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("resources/fake%d", c.nextID)
	c.resources["/"+id] = []byte(`{}`)
	return oadaclient.PutResult{ID: id}, nil
}

func (c *fakeConn) Delete(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resources, path)
	return nil
}

func (c *fakeConn) Watch(_ context.Context, _ string, rev int64) (<-chan oadaclient.ChangeBatch, error) {
	c.mu.Lock()
	c.watchRevs = append(c.watchRevs, rev)
	c.mu.Unlock()
	return c.watchCh, nil
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("expected no event, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestListWatch(t *testing.T, path, rootBody string, opts ...Option) (*ListWatch, *fakeConn) {
	t.Helper()
	conn := newFakeConn(path, rootBody)
	lw, err := New(context.Background(), path, conn, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lw.Stop(context.Background()) })
	return lw, conn
}

func TestListWatch_S1_NewItem(t *testing.T) {
	lw, conn := newTestListWatch(t, "/bookmarks", `{}`, WithItemsPath(`$.*`))
	_, added := lw.OnSeq(ItemAdded)
	_, any := lw.OnSeq(ItemAny)
	lw.Start()

	conn.watchCh <- oadaclient.ChangeBatch{
		Rev: 4,
		Root: oadaclient.Change{
			Type: oadaclient.ChangeTypeMerge,
			Path: "",
			Body: json.RawMessage(`{"K":{"_id":"resources/foo"},"_rev":4}`),
		},
	}

	evt := waitEvent(t, added)
	if evt.Pointer != "/K" || evt.ListRev != 4 {
		t.Fatalf("unexpected ItemAdded: %+v", evt)
	}
	anyEvt := waitEvent(t, any)
	if anyEvt.Pointer != "/K" || anyEvt.Kind != ItemAdded {
		t.Fatalf("unexpected ItemAny: %+v", anyEvt)
	}
}

func TestListWatch_S2_RemovedItem(t *testing.T) {
	lw, conn := newTestListWatch(t, "/bookmarks", `{}`, WithItemsPath(`$.*`))
	_, removed := lw.OnSeq(ItemRemoved)
	_, any := lw.OnSeq(ItemAny)
	lw.Start()

	conn.watchCh <- oadaclient.ChangeBatch{
		Rev: 4,
		Root: oadaclient.Change{
			Type: oadaclient.ChangeTypeDelete,
			Path: "",
			Body: json.RawMessage(`{"K":null,"_rev":4}`),
		},
	}

	evt := waitEvent(t, removed)
	if evt.Pointer != "/K" || evt.ListRev != 4 {
		t.Fatalf("unexpected ItemRemoved: %+v", evt)
	}
	assertNoEvent(t, any)
}

func TestListWatch_S3_ModifiedItemViaChildChange(t *testing.T) {
	lw, conn := newTestListWatch(t, "/bookmarks", `{}`, WithItemsPath(`$.*`))
	_, changed := lw.OnSeq(ItemChanged)
	_, any := lw.OnSeq(ItemAny)
	lw.Start()

	conn.watchCh <- oadaclient.ChangeBatch{
		Rev: 4,
		Root: oadaclient.Change{
			Type: oadaclient.ChangeTypeMerge,
			Path: "",
			Body: json.RawMessage(`{"K":{"_rev":4},"_rev":4}`),
		},
		Children: []oadaclient.Change{
			{Type: oadaclient.ChangeTypeMerge, Path: "/K", Body: json.RawMessage(`{"foo":"bar","_rev":4}`)},
		},
	}

	evt := waitEvent(t, changed)
	if evt.Pointer != "/K" || evt.Change == nil || evt.Change.Rev != 4 || evt.Change.Change.Path != "" {
		t.Fatalf("unexpected ItemChanged: %+v", evt)
	}
	anyEvt := waitEvent(t, any)
	if anyEvt.Kind != ItemChanged {
		t.Fatalf("unexpected ItemAny: %+v", anyEvt)
	}
}

func TestListWatch_S4_ResumeFromStoredRev(t *testing.T) {
	conn := newFakeConn("/bookmarks", `{}`)
	conn.resources[metadata.Path("/bookmarks", "default")] = json.RawMessage(`{"rev":766}`)

	lw, err := New(context.Background(), "/bookmarks", conn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lw.Stop(context.Background()) })

	if len(conn.watchRevs) != 1 || conn.watchRevs[0] != 766 {
		t.Fatalf("expected Watch called with rev=766, got %v", conn.watchRevs)
	}
}

func TestListWatch_WithResumeFalse_StartsWatchAtCurrentTip(t *testing.T) {
	conn := newFakeConn("/bookmarks", `{}`)
	conn.revHeader["/bookmarks"] = "42"

	lw, err := New(context.Background(), "/bookmarks", conn, WithResume(false))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lw.Stop(context.Background()) })

	if len(conn.watchRevs) != 1 || conn.watchRevs[0] != 42 {
		t.Fatalf("expected Watch called with rev=42 (the list's current tip), got %v", conn.watchRevs)
	}
	if lw.meta != nil {
		t.Fatal("expected no metadata manager when resume is disabled")
	}
}

func TestListWatch_ConstructFailsOnUnexpectedHeadStatus(t *testing.T) {
	conn := newFakeConn("/bookmarks", `{}`)
	conn.forcedHeadStatus = 500

	_, err := New(context.Background(), "/bookmarks", conn)
	if err == nil {
		t.Fatal("expected New to fail construction on a persistent non-200/403/404 HEAD status")
	}
	if len(conn.puts) != 0 {
		t.Fatalf("expected no materializing PUT for an unexpected HEAD status, got %d puts", len(conn.puts))
	}
}

func TestListWatch_ConstructMaterializesOnlyOn403Or404(t *testing.T) {
	for _, status := range []int{403, 404} {
		conn := newFakeConn("/bookmarks", `{}`)
		conn.forcedHeadStatus = status

		lw, err := New(context.Background(), "/bookmarks", conn)
		if err != nil {
			t.Fatalf("status %d: unexpected error: %v", status, err)
		}
		// Resume is on by default, so the metadata link PUT follows the
		// list's own materializing PUT; only PUTs to the list path count.
		listPuts := 0
		for _, p := range conn.puts {
			if p.path == "/bookmarks" {
				listPuts++
			}
		}
		if len(conn.puts) == 0 || conn.puts[0].path != "/bookmarks" || listPuts != 1 {
			t.Fatalf("status %d: expected exactly one materializing PUT to /bookmarks, got %+v", status, conn.puts)
		}
		_ = lw.Stop(context.Background())
	}
}

func TestListWatch_Invariant6_ResumeIdempotence(t *testing.T) {
	conn := newFakeConn("/bookmarks", `{}`)
	conn.resources[metadata.Path("/bookmarks", "default")] = json.RawMessage(`{"rev":766}`)

	lw, err := New(context.Background(), "/bookmarks", conn, WithItemsPath(`$.*`))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lw.Stop(context.Background()) })

	_, added := lw.OnSeq(ItemAdded)
	lw.Start()

	conn.watchCh <- oadaclient.ChangeBatch{
		Rev: 766,
		Root: oadaclient.Change{
			Type: oadaclient.ChangeTypeMerge,
			Path: "",
			Body: json.RawMessage(`{"K":{"_id":"resources/foo"}}`),
		},
	}

	assertNoEvent(t, added)
}

func TestListWatch_S6_ListSelfDelete(t *testing.T) {
	lw, conn := newTestListWatch(t, "/bookmarks", `{}`, WithItemsPath(`$.*`))
	_, errs := lw.OnSeq(EventError)
	_, added := lw.OnSeq(ItemAdded)
	lw.Start()

	conn.watchCh <- oadaclient.ChangeBatch{
		Rev:  5,
		Root: oadaclient.Change{Type: oadaclient.ChangeTypeDelete, Path: "", Body: nil},
	}

	evt := waitEvent(t, errs)
	if evt.Err != ErrListDeleted {
		t.Fatalf("expected ErrListDeleted, got %v", evt.Err)
	}
	// The self-delete batch carries no item pointers, so it must never
	// also surface as an ItemAdded. Check this before Stop closes added's
	// channel, since a closed channel receives the zero value immediately
	// and would make this assertion pass regardless of what happened.
	assertNoEvent(t, added)

	if err := lw.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestListWatch_InitialSnapshot_EmitsAddedForExistingItems(t *testing.T) {
	lw, _ := newTestListWatch(t, "/bookmarks", `{"K":{"_id":"resources/foo"}}`, WithItemsPath(`$.*`))
	_, added := lw.OnSeq(ItemAdded)
	lw.Start()

	evt := waitEvent(t, added)
	if evt.Pointer != "/K" {
		t.Fatalf("unexpected initial ItemAdded: %+v", evt)
	}
}

func TestListWatch_ErrorIsolation_OneListenerFailureDoesNotBlockOthers(t *testing.T) {
	lw, conn := newTestListWatch(t, "/bookmarks", `{}`, WithItemsPath(`$.*`))

	firstCalled := false
	lw.On(ItemAdded, func(_ context.Context, _ *Event) error {
		firstCalled = true
		return fmt.Errorf("boom")
	})
	secondCalled := make(chan struct{}, 1)
	lw.On(ItemAdded, func(_ context.Context, _ *Event) error {
		secondCalled <- struct{}{}
		return nil
	})
	lw.Start()

	conn.watchCh <- oadaclient.ChangeBatch{
		Rev: 1,
		Root: oadaclient.Change{
			Type: oadaclient.ChangeTypeMerge,
			Path: "",
			Body: json.RawMessage(`{"K":{"_id":"resources/foo"}}`),
		},
	}

	select {
	case <-secondCalled:
	case <-time.After(time.Second):
		t.Fatal("second listener was never invoked")
	}
	if !firstCalled {
		t.Fatal("first (failing) listener was never invoked")
	}

	stats := lw.Stats()
	if stats.ListenerErrors != 1 {
		t.Fatalf("expected 1 listener error recorded, got %d", stats.ListenerErrors)
	}
	if stats.BatchesProcessed != 1 {
		t.Fatalf("expected cursor to advance despite listener error, got %d batches", stats.BatchesProcessed)
	}
}

func TestListWatch_WaitUntil_ReturnsErrStoppedWhenWatchStopsFirst(t *testing.T) {
	lw, _ := newTestListWatch(t, "/bookmarks", `{}`, WithItemsPath(`$.*`))
	lw.Start()

	done := make(chan error, 1)
	go func() {
		done <- lw.WaitUntil(context.Background(), 100)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := lw.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != ErrStopped {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitUntil to unblock after Stop")
	}
}

func TestListWatch_Stop_IsIdempotentAndConcurrentSafe(t *testing.T) {
	lw, _ := newTestListWatch(t, "/bookmarks", `{}`, WithItemsPath(`$.*`))
	lw.Start()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lw.Stop(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}
