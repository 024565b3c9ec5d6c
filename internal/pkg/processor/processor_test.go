package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/classifier"
	"tablegate/internal/pkg/dom"
	"tablegate/internal/pkg/gate"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/models"
	"tablegate/internal/pkg/rehydrate"
	"tablegate/internal/pkg/signature"
	"tablegate/internal/pkg/store"
	"tablegate/internal/pkg/taskcache"
)

func init() {
	logger.Log = zap.NewNop()
}

const page = `<html><body>
<table><tr><th>Flowise</th><th>Question</th></tr><tr><td>Tool</td><td>Use?</td></tr></table>
<table><tr><th>Name</th></tr><tr><td>ignored</td></tr></table>
</body></html>`

const answer = "| Tool | Use |\n|---|---|\n| X | Y |"

// fakePredictor counts calls and answers through fn.
type fakePredictor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, input string) (string, error)
}

func (f *fakePredictor) Predict(ctx context.Context, input string) (string, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return answer, nil
	}
	return f.fn(ctx, input)
}

type harness struct {
	classifier *classifier.Classifier
	registry   *dom.Registry
	cache      *taskcache.Cache
	predictor  *fakePredictor
	processor  Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c, err := classifier.New(classifier.DefaultRules)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	registry := dom.NewRegistry(context.Background(), c.Classify)
	cache := taskcache.New(store.NewMemoryStore())
	predictor := &fakePredictor{}
	return &harness{
		classifier: c,
		registry:   registry,
		cache:      cache,
		predictor:  predictor,
		processor:  NewProcessor(registry, gate.New(cache), rehydrate.NewApplier(), predictor),
	}
}

func (h *harness) load(t *testing.T, scope, id, src string) *dom.Document {
	t.Helper()
	doc, err := dom.Parse(id, strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := h.registry.Put(scope, doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	return doc
}

func (h *harness) process(t *testing.T, scope, id string) Summary {
	t.Helper()
	summary, err := h.processor.ProcessDocument(context.Background(), models.Notification{Scope: scope, DocumentID: id})
	if err != nil {
		t.Fatalf("process %s/%s: %v", scope, id, err)
	}
	return summary
}

func TestColdMissThenRehydrateAfterReload(t *testing.T) {
	h := newHarness(t)
	doc := h.load(t, "S1", "msg-1", page)

	first := h.process(t, "S1", "msg-1")
	if first.Candidates != 1 || first.Applied != 1 || first.Called != 1 {
		t.Fatalf("unexpected first summary %+v", first)
	}

	// Reload: the rendered page comes back with its marker.
	h.load(t, "S1", "msg-1", doc.String())
	second := h.process(t, "S1", "msg-1")
	if second.Applied != 0 || second.Called != 0 {
		t.Errorf("expected nothing to happen after reload, got %+v", second)
	}

	// A fresh copy of the same table is served from the cache.
	h.load(t, "S1", "msg-2", page)
	third := h.process(t, "S1", "msg-2")
	if third.Applied != 1 || third.Cached != 1 || third.Called != 0 {
		t.Errorf("expected cache hit for identical table, got %+v", third)
	}

	if h.predictor.calls.Load() != 1 {
		t.Errorf("expected a single remote call overall, got %d", h.predictor.calls.Load())
	}
	if n := strings.Count(doc.String(), dom.AttrGenerated); n != 1 {
		t.Errorf("expected one generated table, got %d", n)
	}
}

func TestConcurrentDocumentsShareOneCall(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.predictor.fn = func(ctx context.Context, input string) (string, error) {
		<-release
		return answer, nil
	}

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		h.load(t, "S1", id, page)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			n := models.Notification{Scope: "S1", DocumentID: id}
			if _, err := h.processor.ProcessDocument(context.Background(), n); err != nil {
				t.Errorf("process %s: %v", id, err)
			}
		}(id)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if h.predictor.calls.Load() != 1 {
		t.Errorf("expected one remote call, got %d", h.predictor.calls.Load())
	}
	for _, id := range ids {
		doc, _ := h.registry.Document("S1", id)
		if n := strings.Count(doc.String(), dom.AttrGenerated); n != 1 {
			t.Errorf("document %s: expected one generated table, got %d", id, n)
		}
	}
}

func TestRemoteFailureMarksTargetAndIsRetried(t *testing.T) {
	h := newHarness(t)
	h.predictor.fn = func(ctx context.Context, input string) (string, error) {
		return "", &apperr.RemoteCallError{StatusCode: 502, Err: errors.New("bad gateway")}
	}
	h.load(t, "S1", "msg-1", page)

	failed := h.process(t, "S1", "msg-1")
	if failed.Failed != 1 || failed.Applied != 0 {
		t.Fatalf("expected one failure, got %+v", failed)
	}
	candidates, _ := h.registry.DocumentCandidates(context.Background(), "S1", "msg-1")
	if _, ok := candidates[0].Target.Failed(); !ok {
		t.Error("expected failure marker on the table")
	}
	sig, _ := signature.Generate([]byte(candidates[0].Content), candidates[0].Category)
	if _, err := h.cache.Get(context.Background(), sig, "S1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected no record after failure, got %v", err)
	}

	h.predictor.fn = nil
	retried := h.process(t, "S1", "msg-1")
	if retried.Applied != 1 || retried.Called != 1 {
		t.Errorf("expected retry to call and apply, got %+v", retried)
	}
	if _, ok := candidates[0].Target.Failed(); ok {
		t.Error("expected failure marker to be cleared")
	}
}

func TestScopeTeardownDiscardsResult(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.predictor.fn = func(ctx context.Context, input string) (string, error) {
		close(started)
		<-ctx.Done()
		return answer, nil
	}
	doc := h.load(t, "S1", "msg-1", page)

	done := make(chan error, 1)
	go func() {
		_, err := h.processor.ProcessDocument(context.Background(), models.Notification{Scope: "S1", DocumentID: "msg-1"})
		done <- err
	}()
	<-started
	h.registry.DropScope("S1")

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("processing did not stop after scope teardown")
	}

	if strings.Contains(doc.String(), dom.AttrGenerated) {
		t.Error("expected no content applied to a torn-down scope")
	}
	candidates := doc.Candidates("S1", h.classifier.Classify)
	sig, _ := signature.Generate([]byte(candidates[0].Content), candidates[0].Category)
	if _, err := h.cache.Get(context.Background(), sig, "S1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected no stored record, got %v", err)
	}
}

func TestTeardownDuringCallIsSeenImmediately(t *testing.T) {
	h := newHarness(t)
	// The endpoint answers without looking at ctx, after the scope is gone.
	h.predictor.fn = func(ctx context.Context, input string) (string, error) {
		h.registry.DropScope("S1")
		return answer, nil
	}
	doc := h.load(t, "S1", "msg-1", page)

	_, err := h.processor.ProcessDocument(context.Background(), models.Notification{Scope: "S1", DocumentID: "msg-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if strings.Contains(doc.String(), dom.AttrGenerated) {
		t.Error("expected no content applied to a torn-down scope")
	}
	candidates := doc.Candidates("S1", h.classifier.Classify)
	sig, _ := signature.Generate([]byte(candidates[0].Content), candidates[0].Category)
	if _, err := h.cache.Get(context.Background(), sig, "S1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected no stored record, got %v", err)
	}
}

func TestForeignMarkerIsSkipped(t *testing.T) {
	h := newHarness(t)
	marked := strings.Replace(page, "<table>", `<table data-tg-scope="S2" data-tg-sig="flowise:0000000000000000">`, 1)
	h.load(t, "S1", "msg-1", marked)

	summary := h.process(t, "S1", "msg-1")
	if summary.Skipped != 1 || summary.Called != 0 {
		t.Errorf("expected conflicting table to be skipped without a call, got %+v", summary)
	}
}

func TestUnknownDocument(t *testing.T) {
	h := newHarness(t)
	h.load(t, "S1", "msg-1", page)

	_, err := h.processor.ProcessDocument(context.Background(), models.Notification{Scope: "S1", DocumentID: "missing"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	_, err = h.processor.ProcessDocument(context.Background(), models.Notification{Scope: "nope", DocumentID: "msg-1"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown scope, got %v", err)
	}
}
