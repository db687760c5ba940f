package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stripe-notion-sync/internal/adapter"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/notionprop"
)

// Page is a page stored by FakeWorkspace
type Page struct {
	ID         string
	DatabaseID string
	Properties notionprop.Properties
}

// Database is a database stored by FakeWorkspace
type Database struct {
	ID           string
	ParentPageID string
	Title        string
	Schema       map[string]any
}

// FakeWorkspace is an in-memory workspace shared by every token
type FakeWorkspace struct {
	mu        sync.Mutex
	seq       int
	pages     map[string]*Page
	databases map[string]*Database
	creates   map[string]int
	updates   map[string]int

	// Fail, when set, is consulted before every call with the operation name
	// ("query", "create", "update", "createDatabase", "updateDatabase") and its
	// target: the page title for creates, otherwise the addressed id
	Fail func(op, target string) error
	// WriteDelay slows page creates and updates to widen race windows
	WriteDelay time.Duration
}

// NewFakeWorkspace creates an empty fake
func NewFakeWorkspace() *FakeWorkspace {
	return &FakeWorkspace{
		pages:     make(map[string]*Page),
		databases: make(map[string]*Database),
		creates:   make(map[string]int),
		updates:   make(map[string]int),
	}
}

// Factory returns a client factory; an empty token yields an auth error on use
func (w *FakeWorkspace) Factory() adapter.WorkspaceClientFactory {
	return adapter.WorkspaceClientFactoryFunc(func(_, token string) adapter.WorkspaceClient {
		return &workspaceClient{w: w, token: token}
	})
}

// Creates returns how many pages were created in databaseID
func (w *FakeWorkspace) Creates(databaseID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.creates[databaseID]
}

// Updates returns how many times pageID was updated
func (w *FakeWorkspace) Updates(pageID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updates[pageID]
}

// PagesIn returns a snapshot of the pages of databaseID
func (w *FakeWorkspace) PagesIn(databaseID string) []Page {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Page
	for _, p := range w.pages {
		if p.DatabaseID == databaseID {
			out = append(out, copyPage(p))
		}
	}
	return out
}

// Page returns a snapshot of pageID
func (w *FakeWorkspace) Page(pageID string) (Page, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pages[pageID]
	if !ok {
		return Page{}, false
	}
	return copyPage(p), true
}

// Databases returns a snapshot of every created database keyed by id
func (w *FakeWorkspace) Databases() map[string]Database {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Database, len(w.databases))
	for id, db := range w.databases {
		out[id] = *db
	}
	return out
}

// TitleOf returns the plain text of a title value
func TitleOf(v notionprop.Value) string {
	segments, _ := v["title"].([]map[string]any)
	text := ""
	for _, seg := range segments {
		if t, ok := seg["text"].(map[string]any); ok {
			s, _ := t["content"].(string)
			text += s
		}
	}
	return text
}

// RelationIDs returns the page ids of a relation value
func RelationIDs(v notionprop.Value) []string {
	refs, _ := v["relation"].([]map[string]any)
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if id, ok := ref["id"].(string); ok {
			out = append(out, id)
		}
	}
	return out
}

func pageTitle(props notionprop.Properties) string {
	for _, v := range props {
		if _, ok := v["title"]; ok {
			return TitleOf(v)
		}
	}
	return ""
}

func copyPage(p *Page) Page {
	props := make(notionprop.Properties, len(p.Properties))
	for k, v := range p.Properties {
		props[k] = v
	}
	return Page{ID: p.ID, DatabaseID: p.DatabaseID, Properties: props}
}

func (w *FakeWorkspace) nextID(prefix string) string {
	w.seq++
	return fmt.Sprintf("%s_%d", prefix, w.seq)
}

type workspaceClient struct {
	w     *FakeWorkspace
	token string
}

func (c *workspaceClient) check(op, target string) error {
	if c.token == "" {
		return apperrors.NewAuthError("notion", "missing access token")
	}
	if c.w.Fail != nil {
		return c.w.Fail(op, target)
	}
	return nil
}

func (c *workspaceClient) pause(ctx context.Context) error {
	if c.w.WriteDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(c.w.WriteDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *workspaceClient) QueryByTitle(_ context.Context, databaseID, titleProperty, title string) (string, bool, error) {
	if err := c.check("query", databaseID); err != nil {
		return "", false, err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	for _, p := range c.w.pages {
		if p.DatabaseID == databaseID && TitleOf(p.Properties[titleProperty]) == title {
			return p.ID, true, nil
		}
	}
	return "", false, nil
}

func (c *workspaceClient) CreatePage(ctx context.Context, databaseID string, props notionprop.Properties) (string, error) {
	if err := c.check("create", pageTitle(props)); err != nil {
		return "", err
	}
	if err := c.pause(ctx); err != nil {
		return "", err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	page := &Page{ID: c.w.nextID("page"), DatabaseID: databaseID, Properties: notionprop.Properties{}}
	for k, v := range props {
		page.Properties[k] = v
	}
	c.w.pages[page.ID] = page
	c.w.creates[databaseID]++
	return page.ID, nil
}

func (c *workspaceClient) UpdatePage(ctx context.Context, pageID string, props notionprop.Properties) error {
	if err := c.check("update", pageID); err != nil {
		return err
	}
	if err := c.pause(ctx); err != nil {
		return err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	page, ok := c.w.pages[pageID]
	if !ok {
		return apperrors.NewNotFoundError("page", pageID)
	}
	for k, v := range props {
		page.Properties[k] = v
	}
	c.w.updates[pageID]++
	return nil
}

func (c *workspaceClient) CreateDatabase(_ context.Context, parentPageID, title string, schema map[string]any) (string, error) {
	if err := c.check("createDatabase", parentPageID); err != nil {
		return "", err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	db := &Database{ID: c.w.nextID("db"), ParentPageID: parentPageID, Title: title, Schema: map[string]any{}}
	for k, v := range schema {
		db.Schema[k] = v
	}
	c.w.databases[db.ID] = db
	return db.ID, nil
}

func (c *workspaceClient) UpdateDatabase(_ context.Context, databaseID string, schema map[string]any) error {
	if err := c.check("updateDatabase", databaseID); err != nil {
		return err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	db, ok := c.w.databases[databaseID]
	if !ok {
		return apperrors.NewNotFoundError("database", databaseID)
	}
	for k, v := range schema {
		db.Schema[k] = v
	}
	return nil
}
