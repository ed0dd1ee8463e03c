// Package docstoretest provides an in-memory docstore.Store for tests.
package docstoretest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"certmailer/internal/docstore"
)

// Call is one recorded store operation.
type Call struct {
	Op   string
	ID   string
	Name string
}

// FakeStore keeps copies in memory. Fail hooks are consulted with the copy
// name (for Copy) or the copy id (for the other operations); a non-nil
// return fails the call.
type FakeStore struct {
	mu      sync.Mutex
	next    int
	live    map[string]string
	text    map[string]string
	calls   []Call
	content func(name string) []byte

	FailCopy    func(name string) error
	FailReplace func(id string) error
	FailExport  func(id string) error
	FailDelete  func(id string) error
	// Block, when set, is waited on at the start of every Copy.
	Block chan struct{}
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		live: make(map[string]string),
		text: make(map[string]string),
		content: func(name string) []byte {
			return MinimalPDF(name)
		},
	}
}

func (f *FakeStore) Copy(ctx context.Context, src docstore.SourceID, name string) (string, error) {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "copy", ID: string(src), Name: name})
	if f.FailCopy != nil {
		if err := f.FailCopy(name); err != nil {
			return "", err
		}
	}
	f.next++
	id := "copy-" + strconv.Itoa(f.next)
	f.live[id] = name
	f.text[id] = "Certificate for {{Full_Name}}"
	return id, nil
}

func (f *FakeStore) ReplaceText(ctx context.Context, id, placeholder, replacement string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "replace", ID: id, Name: replacement})
	if f.FailReplace != nil {
		if err := f.FailReplace(id); err != nil {
			return err
		}
	}
	if _, ok := f.live[id]; !ok {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	f.text[id] = strings.ReplaceAll(f.text[id], placeholder, replacement)
	return nil
}

func (f *FakeStore) Export(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "export", ID: id})
	if f.FailExport != nil {
		if err := f.FailExport(id); err != nil {
			return nil, err
		}
	}
	if _, ok := f.live[id]; !ok {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	return f.content(f.text[id]), nil
}

func (f *FakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "delete", ID: id})
	if f.FailDelete != nil {
		if err := f.FailDelete(id); err != nil {
			return err
		}
	}
	if _, ok := f.live[id]; !ok {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	delete(f.live, id)
	delete(f.text, id)
	return nil
}

// SetContent overrides what Export returns for a document's current text.
func (f *FakeStore) SetContent(fn func(text string) []byte) {
	f.mu.Lock()
	f.content = fn
	f.mu.Unlock()
}

// Live returns the number of copies that have not been deleted.
func (f *FakeStore) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Text returns the current text of a live copy.
func (f *FakeStore) Text(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text[id]
}

// Calls returns a snapshot of recorded operations.
func (f *FakeStore) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many times op was called.
func (f *FakeStore) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}
