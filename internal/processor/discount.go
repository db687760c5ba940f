package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/stripe-notion-sync/internal/convert"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/notionprop"
	"github.com/stripe-notion-sync/internal/registry"
	"github.com/stripe-notion-sync/internal/types"
)

// discountTarget returns the entity a discount object is attached to: its
// subscription, else its invoice, else its customer
func discountTarget(obj gjson.Result) (models.MappingKey, bool) {
	for _, candidate := range []struct {
		path string
		t    types.EntityType
	}{
		{"subscription", types.EntitySubscription},
		{"invoice", types.EntityInvoice},
		{"customer", types.EntityCustomer},
	} {
		if id := convert.IDAt(obj, candidate.path); id != "" {
			return models.MappingKey{EntityType: candidate.t, SourceID: id}, true
		}
	}
	return models.MappingKey{}, false
}

// ProcessDiscountEvent links (or unlinks, when deleted) the coupon and promotion
// code of a discount on the page of the entity it applies to. A target that has
// not been synced yet is skipped; its own sync reads the discount from its payload.
func (p *Processor) ProcessDiscountEvent(ctx context.Context, s *Session, raw json.RawMessage, deleted bool) (*Result, error) {
	c := p.newCall(s)
	obj := gjson.ParseBytes(raw)

	target, ok := discountTarget(obj)
	if !ok {
		c.logger(ctx, types.EntityDiscount, obj.Get("id").String()).Debug("Discount has no target entity, skipped")
		return &Result{}, nil
	}
	if _, ok := s.Databases[target.EntityType]; !ok {
		return &Result{}, nil
	}

	props := notionprop.Properties{}
	if deleted {
		props.ClearRelation(convert.RelCoupon)
		props.ClearRelation(convert.RelPromotionCode)
	} else {
		for _, rel := range []registry.Dependency{
			{Type: types.EntityCoupon, Path: "coupon", Property: convert.RelCoupon},
			{Type: types.EntityPromotionCode, Path: "promotion_code", Property: convert.RelPromotionCode},
		} {
			pageID := ""
			if id := convert.IDAt(obj, rel.Path); id != "" {
				var err error
				pageID, err = c.resolve(ctx, rel, id, obj.Get(rel.Path))
				if err != nil {
					s.lastProcessed.Store(int64(c.processed))
					c.recordTokenError(ctx, err)
					return nil, err
				}
			}
			if pageID != "" {
				props.SetRelation(rel.Property, pageID)
			} else {
				props.ClearRelation(rel.Property)
			}
		}
	}

	mapping, err := s.Actor.LookupMapping(ctx, target.EntityType, target.SourceID)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		c.logger(ctx, target.EntityType, target.SourceID).Debug("Discount target not synced yet, skipped")
		s.lastProcessed.Store(int64(c.processed))
		return &Result{EntitiesProcessed: c.processed}, nil
	}

	// Forced through the coordinator so the update never overlaps another write of the target
	action := "set"
	if deleted {
		action = "clear"
	}
	stepName := fmt.Sprintf("discount:%s:%s", target, action)
	updated, err := s.Actor.CoordinatedUpsert(ctx, target.EntityType, target.SourceID, func(ctx context.Context) (string, error) {
		_, err := s.Runner.Run(ctx, stepName, func(ctx context.Context) ([]byte, error) {
			return []byte("true"), s.Workspace.UpdatePage(ctx, mapping.TargetPageID, props)
		})
		if err != nil {
			return "", err
		}
		p.metrics.PageUpdated(string(target.EntityType))
		return mapping.TargetPageID, nil
	}, true)
	if err != nil {
		err = c.fail(ctx, target.EntityType, target.SourceID, err)
		s.lastProcessed.Store(int64(c.processed))
		c.recordTokenError(ctx, err)
		return nil, err
	}
	c.processed++
	s.lastProcessed.Store(int64(c.processed))
	return &Result{Mapping: updated, EntitiesProcessed: c.processed}, nil
}
