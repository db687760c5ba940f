// Package processor syncs one source entity completely: it resolves the
// entity's relations first, upserts its page through the account's
// coordinator, then syncs the sub-entities it owns.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/stripe-notion-sync/internal/adapter"
	"github.com/stripe-notion-sync/internal/convert"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/metrics"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/notionprop"
	"github.com/stripe-notion-sync/internal/registry"
	"github.com/stripe-notion-sync/internal/step"
	"github.com/stripe-notion-sync/internal/types"
)

const defaultChildPageSize = 100

// Options tunes one ProcessEntityComplete call
type Options struct {
	// ForceUpdate rewrites the page of an already-mapped entity. It applies to
	// the requested entity only; dependencies and children are never forced.
	ForceUpdate bool
	// Raw is an already-fetched payload (event object or list record)
	Raw json.RawMessage
}

// Result reports the outcome of one call
type Result struct {
	Mapping *models.EntityMapping
	// EntitiesProcessed counts pages created or updated: the entity, the
	// dependencies synced inline and the owned children
	EntitiesProcessed int
}

// Processor drives converters and the upsert coordinator
type Processor struct {
	payments      adapter.PaymentsClient
	metrics       *metrics.Metrics
	childPageSize int
}

// New creates a processor reading source objects through payments
func New(payments adapter.PaymentsClient, m *metrics.Metrics) *Processor {
	return &Processor{payments: payments, metrics: m, childPageSize: defaultChildPageSize}
}

// call is the state of one logical operation
type call struct {
	p         *Processor
	s         *Session
	visited   map[models.MappingKey]bool
	processed int
}

func (p *Processor) newCall(s *Session) *call {
	return &call{p: p, s: s, visited: make(map[models.MappingKey]bool)}
}

type parentLink struct {
	property string
	pageID   string
}

type upsertResult struct {
	PageID  string `json:"pageId"`
	Created bool   `json:"created"`
}

// ProcessEntityComplete syncs entityType/sourceID with its dependencies and children
func (p *Processor) ProcessEntityComplete(ctx context.Context, s *Session, entityType types.EntityType, sourceID string, opts Options) (*Result, error) {
	c := p.newCall(s)
	mapping, err := c.ensure(ctx, entityType, sourceID, opts.Raw, opts.ForceUpdate, nil)
	s.lastProcessed.Store(int64(c.processed))
	if err != nil {
		c.recordTokenError(ctx, err)
		return nil, err
	}
	return &Result{Mapping: mapping, EntitiesProcessed: c.processed}, nil
}

func (c *call) logger(ctx context.Context, t types.EntityType, id string) *logging.Logger {
	return logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accountId":  c.s.AccountID,
		"entityType": t,
		"sourceId":   id,
	})
}

// ensure returns the mapping for t/id, syncing it when it is not mapped yet or force is set
func (c *call) ensure(ctx context.Context, t types.EntityType, id string, raw json.RawMessage, force bool, parent *parentLink) (*models.EntityMapping, error) {
	def, ok := registry.Lookup(t)
	if !ok {
		return nil, apperrors.NewConfigurationError(t, "no registry entry")
	}
	databaseID, ok := c.s.Databases[t]
	if !ok {
		return nil, c.fail(ctx, t, id, apperrors.NewConfigurationError(t, "no database linked"))
	}
	key := models.MappingKey{EntityType: t, SourceID: id}
	c.visited[key] = true

	existing, err := c.s.Actor.LookupMapping(ctx, t, id)
	if err != nil {
		return nil, c.fail(ctx, t, id, err)
	}
	if existing != nil && !force {
		// Reuse only; the coordinator refreshes updatedAt
		return c.s.Actor.CoordinatedUpsert(ctx, t, id, func(context.Context) (string, error) {
			return existing.TargetPageID, nil
		}, false)
	}

	if raw == nil {
		if def.Owned {
			return nil, apperrors.NewConfigurationError(t, "owned entities are synced through their parent")
		}
		raw, err = step.Do(ctx, c.s.Runner, "fetch:"+key.String(), func(ctx context.Context) (json.RawMessage, error) {
			return c.p.payments.Retrieve(ctx, c.s.account(), t, id, def.Expand)
		})
		if err != nil {
			return nil, c.fail(ctx, t, id, err)
		}
	}
	obj := gjson.ParseBytes(raw)

	links := convert.Links{}
	for _, dep := range def.Dependencies {
		depID := convert.IDAt(obj, dep.Path)
		if depID == "" {
			continue
		}
		pageID, err := c.resolve(ctx, dep, depID, obj.Get(dep.Path))
		if err != nil {
			return nil, c.fail(ctx, t, id, apperrors.NewDependencyUnresolvedError(t, id, dep.Type, depID, err))
		}
		if pageID != "" {
			links[dep.Property] = pageID
		}
	}
	if parent != nil {
		links[parent.property] = parent.pageID
	}

	props := def.Convert(obj, links)
	props[def.TitleProperty] = notionprop.Title(id)

	invoked := false
	mapping, err := c.s.Actor.CoordinatedUpsert(ctx, t, id, func(ctx context.Context) (string, error) {
		invoked = true
		res, err := step.Do(ctx, c.s.Runner, "upsert:"+key.String(), func(ctx context.Context) (upsertResult, error) {
			return c.upsert(ctx, databaseID, def.TitleProperty, id, props)
		})
		if err != nil {
			return "", err
		}
		if res.Created {
			c.p.metrics.PageCreated(string(t))
		} else {
			c.p.metrics.PageUpdated(string(t))
		}
		// The mapping is written only after the children are synced, so a failed
		// child leaves the parent unmapped and the next call syncs them again.
		// A forced refresh of a mapped entity does not cascade.
		if existing == nil && len(def.Children) > 0 {
			if err := c.syncChildren(ctx, def, obj, id, res.PageID); err != nil {
				return "", err
			}
		}
		return res.PageID, nil
	}, force)
	if err != nil {
		return nil, c.fail(ctx, t, id, err)
	}
	if invoked {
		c.processed++
		c.logger(ctx, t, id).WithField("pageId", mapping.TargetPageID).Debug("Entity synced")
	}
	c.clearError(ctx, t)
	return mapping, nil
}

// resolve returns the page id of a dependency, syncing it inline when needed.
// An empty id with no error means the relation is left unset.
func (c *call) resolve(ctx context.Context, dep registry.Dependency, depID string, embedded gjson.Result) (string, error) {
	if _, ok := c.s.Databases[dep.Type]; !ok {
		c.logger(ctx, dep.Type, depID).Debug("No database linked for dependency, relation skipped")
		return "", nil
	}

	key := models.MappingKey{EntityType: dep.Type, SourceID: depID}
	if c.visited[key] {
		// Already on this call's path: a cycle, or a dependency shared by siblings
		m, err := c.s.Actor.LookupMapping(ctx, dep.Type, depID)
		if err != nil || m == nil {
			return "", err
		}
		return m.TargetPageID, nil
	}

	var raw json.RawMessage
	if embedded.IsObject() && embedded.Get("object").String() == string(dep.Type) {
		raw = json.RawMessage(embedded.Raw)
	}
	m, err := c.ensure(ctx, dep.Type, depID, raw, false, nil)
	if err != nil {
		return "", err
	}
	return m.TargetPageID, nil
}

// upsert finds the page by its title (the source id) and updates it, else creates it
func (c *call) upsert(ctx context.Context, databaseID, titleProperty, sourceID string, props notionprop.Properties) (upsertResult, error) {
	pageID, found, err := c.s.Workspace.QueryByTitle(ctx, databaseID, titleProperty, sourceID)
	if err != nil {
		return upsertResult{}, err
	}
	if found {
		return upsertResult{PageID: pageID}, c.s.Workspace.UpdatePage(ctx, pageID, props)
	}
	pageID, err = c.s.Workspace.CreatePage(ctx, databaseID, props)
	if err != nil {
		return upsertResult{}, err
	}
	return upsertResult{PageID: pageID, Created: true}, nil
}

func (c *call) syncChildren(ctx context.Context, def registry.Definition, parentObj gjson.Result, parentID, parentPageID string) error {
	for _, child := range def.Children {
		if _, ok := c.s.Databases[child.Type]; !ok {
			continue
		}
		link := &parentLink{property: child.ParentProperty, pageID: parentPageID}

		list := parentObj.Get(child.EmbeddedPath)
		records := list.Get("data").Array()
		hasMore := list.Get("has_more").Bool() || !list.Exists()
		cursor := ""

		for {
			for _, rec := range records {
				childID := rec.Get("id").String()
				if childID == "" {
					continue
				}
				cursor = childID
				if _, err := c.ensure(ctx, child.Type, childID, json.RawMessage(rec.Raw), false, link); err != nil {
					return err
				}
			}
			if !hasMore {
				break
			}

			path := fmt.Sprintf(child.ListPath, parentID)
			page, err := step.Do(ctx, c.s.Runner, fmt.Sprintf("children:%s:%s:%s", child.Type, parentID, cursor), func(ctx context.Context) (*models.ListPage, error) {
				return c.p.payments.ListPath(ctx, c.s.account(), path, cursor, c.p.childPageSize)
			})
			if err != nil {
				return c.fail(ctx, child.Type, parentID, err)
			}
			records = records[:0]
			for _, item := range page.Data {
				records = append(records, gjson.ParseBytes(item))
			}
			hasMore = page.HasMore && len(records) > 0
			if len(records) == 0 {
				break
			}
		}
	}
	return nil
}

// fail records err on the entity type's database and returns it
func (c *call) fail(ctx context.Context, t types.EntityType, id string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.p.metrics.EntityFailed(string(t), string(apperrors.CategoryOf(err)))
	c.logger(ctx, t, id).WithError(err).Warn("Entity sync failed")

	if apperrors.IsAuthError(err) {
		return err
	}
	msg := err.Error()
	if recErr := c.s.Actor.SetEntityError(ctx, t, &msg); recErr != nil {
		c.logger(ctx, t, id).WithError(recErr).Warn("Failed to record entity error")
	}
	return err
}

func (c *call) clearError(ctx context.Context, t types.EntityType) {
	if err := c.s.Actor.SetEntityError(ctx, t, nil); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to clear entity error")
	}
}

// recordTokenError flags the account when the workspace rejected its token
func (c *call) recordTokenError(ctx context.Context, err error) {
	if apperrors.AuthProvider(err) != "notion" {
		return
	}
	msg := err.Error()
	if recErr := c.s.Actor.SetTokenError(ctx, &msg); recErr != nil {
		logging.FromContext(ctx).WithError(recErr).Warn("Failed to record token error")
	}
}
