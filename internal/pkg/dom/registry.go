package dom

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/logger"
)

// Ref names a document within its scope.
type Ref struct {
	Scope      string
	DocumentID string
}

type scopeEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
	docs   map[string]*Document
}

// Registry holds the live documents of every scope. Each scope owns a context
// that is cancelled when the scope is dropped.
type Registry struct {
	parent   context.Context
	classify Classify

	mu     sync.RWMutex
	scopes map[string]*scopeEntry
}

func NewRegistry(parent context.Context, classify Classify) *Registry {
	return &Registry{
		parent:   parent,
		classify: classify,
		scopes:   make(map[string]*scopeEntry),
	}
}

// Put stores doc under scope, replacing any document with the same ID.
func (r *Registry) Put(scope string, doc *Document) error {
	_, err := r.Swap(scope, doc)
	return err
}

// Swap is Put that also returns the document it replaced, if any.
func (r *Registry) Swap(scope string, doc *Document) (*Document, error) {
	if scope == "" || strings.Contains(scope, ":") {
		return nil, fmt.Errorf("scope %q: %w", scope, apperr.ErrInvalidInput)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("document without ID: %w", apperr.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.scopes[scope]
	if !ok {
		ctx, cancel := context.WithCancel(r.parent)
		entry = &scopeEntry{ctx: ctx, cancel: cancel, docs: make(map[string]*Document)}
		r.scopes[scope] = entry
	}
	prev := entry.docs[doc.ID]
	entry.docs[doc.ID] = doc
	return prev, nil
}

// Restore undoes a Swap: prev is put back, or the ID removed when prev is nil.
// Nothing happens if doc was replaced again in the meantime.
func (r *Registry) Restore(scope string, doc, prev *Document) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.scopes[scope]
	if !ok || entry.docs[doc.ID] != doc {
		return false
	}
	if prev == nil {
		delete(entry.docs, doc.ID)
	} else {
		entry.docs[doc.ID] = prev
	}
	return true
}

func (r *Registry) Document(scope, documentID string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.scopes[scope]; ok {
		if doc, ok := entry.docs[documentID]; ok {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("document %s/%s: %w", scope, documentID, apperr.ErrNotFound)
}

// ScopeContext returns the context that lives as long as scope does.
func (r *Registry) ScopeContext(scope string) (context.Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("scope %q: %w", scope, apperr.ErrNotFound)
	}
	return entry.ctx, nil
}

// DocumentCandidates returns the candidates of one document.
func (r *Registry) DocumentCandidates(ctx context.Context, scope, documentID string) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := r.Document(scope, documentID)
	if err != nil {
		return nil, err
	}
	return doc.Candidates(scope, r.classify), nil
}

// FetchCandidates returns the candidates of every document in scope.
func (r *Registry) FetchCandidates(ctx context.Context, scope string) ([]Candidate, error) {
	var out []Candidate
	for _, ref := range r.refs(scope) {
		candidates, err := r.DocumentCandidates(ctx, ref.Scope, ref.DocumentID)
		if err != nil {
			return out, err
		}
		out = append(out, candidates...)
	}
	return out, nil
}

// DropScope cancels the scope's context and forgets its documents.
func (r *Registry) DropScope(scope string) bool {
	r.mu.Lock()
	entry, ok := r.scopes[scope]
	delete(r.scopes, scope)
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.cancel()
	logger.Log.Info("Scope dropped",
		zap.String("scope", scope),
		zap.Int("documents", len(entry.docs)))
	return true
}

// Refs lists every known document, ordered by scope then ID.
func (r *Registry) Refs() []Ref {
	return r.refs("")
}

func (r *Registry) refs(scope string) []Ref {
	r.mu.RLock()
	var out []Ref
	for name, entry := range r.scopes {
		if scope != "" && name != scope {
			continue
		}
		for id := range entry.docs {
			out = append(out, Ref{Scope: name, DocumentID: id})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out
}

// Close cancels every scope.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entry := range r.scopes {
		entry.cancel()
		delete(r.scopes, name)
	}
}
