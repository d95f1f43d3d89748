package docstore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Store backed by naive substring search, used by
// tests and local development in place of a real vector database.
type Fake struct {
	mu     sync.Mutex
	stores map[string][]storedDoc
}

type storedDoc struct {
	ref   string
	name  string
	text  string
}

// NewFake returns an empty Fake store.
func NewFake() *Fake {
	return &Fake{stores: make(map[string][]storedDoc)}
}

func (f *Fake) CreateStore(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "store_" + uuid.NewString()
	f.stores[ref] = nil
	_ = name
	return ref, nil
}

func (f *Fake) Add(_ context.Context, storeRef string, docs []Document) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stores[storeRef]; !ok {
		return nil, ErrNotFound
	}
	refs := make([]string, 0, len(docs))
	for _, d := range docs {
		ref := "doc_" + uuid.NewString()
		f.stores[storeRef] = append(f.stores[storeRef], storedDoc{
			ref: ref, name: d.Name, text: string(d.Bytes),
		})
		refs = append(refs, ref)
	}
	return refs, nil
}

func (f *Fake) Search(_ context.Context, storeRef, query string, topK int) ([]SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, ok := f.stores[storeRef]
	if !ok {
		return nil, ErrNotFound
	}

	q := strings.ToLower(query)
	var hits []SearchHit
	for _, d := range docs {
		text := strings.ToLower(d.text)
		idx := strings.Index(text, q)
		if q == "" || idx < 0 {
			continue
		}
		score := 1.0 / float64(1+strings.Count(text[:idx], " "))
		start := idx - 40
		if start < 0 {
			start = 0
		}
		end := idx + len(q) + 40
		if end > len(d.text) {
			end = len(d.text)
		}
		hits = append(hits, SearchHit{DocRef: d.ref, Score: score, Excerpt: d.text[start:end]})
	}
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (f *Fake) Delete(_ context.Context, storeRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stores, storeRef)
	return nil
}
