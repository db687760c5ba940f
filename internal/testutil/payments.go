// Package testutil provides in-memory fakes of the payments and workspace
// platforms shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/stripe-notion-sync/internal/adapter"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// FakePayments serves objects added with Add in insertion order
type FakePayments struct {
	mu        sync.Mutex
	order     map[types.EntityType][]string
	objects   map[string]json.RawMessage
	lists     map[string][]json.RawMessage
	retrieves map[string]int
	listCalls int

	// Fail, when set, is consulted before every call with the call name
	// ("list", "retrieve", "listPath") and the addressed id or path
	Fail func(call, target string) error
}

// NewFakePayments creates an empty fake
func NewFakePayments() *FakePayments {
	return &FakePayments{
		order:     make(map[types.EntityType][]string),
		objects:   make(map[string]json.RawMessage),
		lists:     make(map[string][]json.RawMessage),
		retrieves: make(map[string]int),
	}
}

// Add stores an object under its "id"; re-adding replaces the payload but keeps its position
func (f *FakePayments) Add(t types.EntityType, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := gjson.Get(raw, "id").String()
	if _, ok := f.objects[id]; !ok {
		f.order[t] = append(f.order[t], id)
	}
	f.objects[id] = json.RawMessage(raw)
}

// AddToList appends items to the collection served at path
func (f *FakePayments) AddToList(path string, items ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.lists[path] = append(f.lists[path], json.RawMessage(item))
	}
}

// Retrieves returns how many times id was retrieved
func (f *FakePayments) Retrieves(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retrieves[id]
}

// ListCalls returns the number of List calls
func (f *FakePayments) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *FakePayments) check(call, target string) error {
	if f.Fail == nil {
		return nil
	}
	return f.Fail(call, target)
}

// List implements adapter.PaymentsClient
func (f *FakePayments) List(_ context.Context, _ adapter.Account, t types.EntityType, startingAfter string, limit int) (*models.ListPage, error) {
	if err := f.check("list", string(t)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	items := make([]json.RawMessage, 0, len(f.order[t]))
	for _, id := range f.order[t] {
		items = append(items, f.objects[id])
	}
	return page(items, startingAfter, limit), nil
}

// Retrieve implements adapter.PaymentsClient. Expansions are whatever the stored payload holds.
func (f *FakePayments) Retrieve(_ context.Context, _ adapter.Account, t types.EntityType, id string, _ []string) (json.RawMessage, error) {
	if err := f.check("retrieve", id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieves[id]++

	raw, ok := f.objects[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(string(t), id)
	}
	return raw, nil
}

// ListPath implements adapter.PaymentsClient
func (f *FakePayments) ListPath(_ context.Context, _ adapter.Account, path, startingAfter string, limit int) (*models.ListPage, error) {
	if err := f.check("listPath", path); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.lists[path], startingAfter, limit), nil
}

func page(items []json.RawMessage, startingAfter string, limit int) *models.ListPage {
	start := 0
	if startingAfter != "" {
		for i, item := range items {
			if gjson.GetBytes(item, "id").String() == startingAfter {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = len(items)
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	out := &models.ListPage{Data: make([]json.RawMessage, 0, end-start)}
	out.Data = append(out.Data, items[start:end]...)
	out.HasMore = end < len(items)
	return out
}
