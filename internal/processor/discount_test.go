package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stripe-notion-sync/internal/convert"
	"github.com/stripe-notion-sync/internal/testutil"
	"github.com/stripe-notion-sync/internal/types"
)

const customerDiscount = `{
	"id": "di_1", "object": "discount", "customer": "cus_1",
	"coupon": {"id": "co_1", "object": "coupon", "percent_off": 20, "duration": "forever"},
	"promotion_code": "promo_1"
}`

func TestDiscountTarget(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"subscription wins", `{"customer":"cus_1","subscription":"sub_1","invoice":"in_1"}`, "subscription:sub_1", true},
		{"invoice before customer", `{"customer":"cus_1","invoice":"in_1"}`, "invoice:in_1", true},
		{"customer", `{"customer":"cus_1","subscription":null}`, "customer:cus_1", true},
		{"none", `{"id":"di_1"}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := discountTarget(gjson.Parse(tt.raw))
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, key.String())
			}
		})
	}
}

func TestProcessDiscountEvent_LinksAndClearsRelations(t *testing.T) {
	h := newHarness(t)
	h.payments.Add(types.EntityCustomer, `{"id":"cus_1","object":"customer"}`)
	h.payments.Add(types.EntityPromotionCode, `{"id":"promo_1","object":"promotion_code","code":"SAVE20","coupon":{"id":"co_1","object":"coupon"}}`)
	ctx := context.Background()

	synced, err := h.proc.ProcessEntityComplete(ctx, h.session(t), types.EntityCustomer, "cus_1", Options{})
	require.NoError(t, err)
	customerPage := synced.Mapping.TargetPageID

	res, err := h.proc.ProcessDiscountEvent(ctx, h.session(t), json.RawMessage(customerDiscount), false)
	require.NoError(t, err)
	// coupon, promotion code, customer update
	assert.Equal(t, 3, res.EntitiesProcessed)
	assert.Equal(t, customerPage, res.Mapping.TargetPageID)

	coupon := h.pageOf(t, types.EntityCoupon, "co_1")
	promo := h.pageOf(t, types.EntityPromotionCode, "promo_1")
	page, ok := h.workspace.Page(customerPage)
	require.True(t, ok)
	assert.Equal(t, []string{coupon.ID}, testutil.RelationIDs(page.Properties[convert.RelCoupon]))
	assert.Equal(t, []string{promo.ID}, testutil.RelationIDs(page.Properties[convert.RelPromotionCode]))
	assert.Equal(t, 1, h.workspace.Creates(testutil.DatabaseID(types.EntityCoupon)))

	_, err = h.proc.ProcessDiscountEvent(ctx, h.session(t), json.RawMessage(customerDiscount), true)
	require.NoError(t, err)
	page, _ = h.workspace.Page(customerPage)
	assert.Empty(t, testutil.RelationIDs(page.Properties[convert.RelCoupon]))
	assert.Empty(t, testutil.RelationIDs(page.Properties[convert.RelPromotionCode]))
	assert.Equal(t, 2, h.workspace.Updates(customerPage))
}

func TestProcessDiscountEvent_UnsyncedTargetIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.payments.Add(types.EntityPromotionCode, `{"id":"promo_1","object":"promotion_code","coupon":"co_1"}`)
	h.payments.Add(types.EntityCoupon, `{"id":"co_1","object":"coupon"}`)

	res, err := h.proc.ProcessDiscountEvent(context.Background(), h.session(t), json.RawMessage(customerDiscount), false)
	require.NoError(t, err)

	assert.Nil(t, res.Mapping)
	assert.Equal(t, 2, res.EntitiesProcessed)
	assert.Equal(t, 0, h.workspace.Creates(testutil.DatabaseID(types.EntityCustomer)))
	assert.Equal(t, 0, h.payments.Retrieves("cus_1"))
}
