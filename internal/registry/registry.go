// Package registry is the static table describing every synced entity type:
// how it is fetched, converted, related and ordered for backfill.
package registry

import (
	"github.com/stripe-notion-sync/internal/convert"
	"github.com/stripe-notion-sync/internal/notionprop"
	"github.com/stripe-notion-sync/internal/types"
)

// Dependency is a related entity that must be mapped before the owner is upserted
type Dependency struct {
	Type types.EntityType
	// Path is the gjson path of the related id (string or expanded object)
	Path string
	// Property is the relation column on the owner's database
	Property string
}

// Child is an owned sub-entity collection synced after its parent
type Child struct {
	Type types.EntityType
	// EmbeddedPath is the list object embedded in the parent payload
	EmbeddedPath string
	// ListPath is the API path used to page the collection, %s is the parent id
	ListPath string
	// ParentProperty is the child's relation column pointing at the parent
	ParentProperty string
}

// Definition describes one entity type
type Definition struct {
	Type types.EntityType
	// Title is the display name of the target database
	Title string
	// Resource is the API collection, e.g. "customers"
	Resource string
	// Expand lists sub-objects requested on retrieve
	Expand []string
	// TitleProperty holds the source id and is what find-by-title matches on
	TitleProperty string
	Properties    []notionprop.PropertySpec
	Dependencies  []Dependency
	Children      []Child
	Convert       convert.Func
	// Owned entities are only reached through their parent and cannot be retrieved alone
	Owned bool
	// Discountable types carry Coupon and Promotion Code relations set by discount events
	Discountable bool
}

var definitions = map[types.EntityType]Definition{
	types.EntityCustomer: {
		Type:          types.EntityCustomer,
		Title:         "Customers",
		Resource:      "customers",
		TitleProperty: "Customer ID",
		Properties:    convert.CustomerProperties,
		Dependencies: []Dependency{
			{Type: types.EntityCoupon, Path: "discount.coupon", Property: convert.RelCoupon},
			{Type: types.EntityPromotionCode, Path: "discount.promotion_code", Property: convert.RelPromotionCode},
		},
		Convert:      convert.Customer,
		Discountable: true,
	},
	types.EntityProduct: {
		Type:          types.EntityProduct,
		Title:         "Products",
		Resource:      "products",
		TitleProperty: "Product ID",
		Properties:    convert.ProductProperties,
		Convert:       convert.Product,
	},
	types.EntityPrice: {
		Type:          types.EntityPrice,
		Title:         "Prices",
		Resource:      "prices",
		TitleProperty: "Price ID",
		Properties:    convert.PriceProperties,
		Dependencies: []Dependency{
			{Type: types.EntityProduct, Path: "product", Property: convert.RelProduct},
		},
		Convert: convert.Price,
	},
	types.EntityCoupon: {
		Type:          types.EntityCoupon,
		Title:         "Coupons",
		Resource:      "coupons",
		TitleProperty: "Coupon ID",
		Properties:    convert.CouponProperties,
		Convert:       convert.Coupon,
	},
	types.EntityPromotionCode: {
		Type:          types.EntityPromotionCode,
		Title:         "Promotion Codes",
		Resource:      "promotion_codes",
		TitleProperty: "Promotion Code ID",
		Properties:    convert.PromotionCodeProperties,
		Dependencies: []Dependency{
			{Type: types.EntityCoupon, Path: "coupon", Property: convert.RelCoupon},
			{Type: types.EntityCustomer, Path: "customer", Property: convert.RelCustomer},
		},
		Convert: convert.PromotionCode,
	},
	types.EntityPaymentIntent: {
		Type:          types.EntityPaymentIntent,
		Title:         "Payment Intents",
		Resource:      "payment_intents",
		TitleProperty: "Payment Intent ID",
		Properties:    convert.PaymentIntentProperties,
		Dependencies: []Dependency{
			{Type: types.EntityCustomer, Path: "customer", Property: convert.RelCustomer},
			{Type: types.EntityCharge, Path: "latest_charge", Property: convert.RelLatestCharge},
		},
		Convert: convert.PaymentIntent,
	},
	types.EntityCharge: {
		Type:          types.EntityCharge,
		Title:         "Charges",
		Resource:      "charges",
		TitleProperty: "Charge ID",
		Properties:    convert.ChargeProperties,
		Dependencies: []Dependency{
			{Type: types.EntityCustomer, Path: "customer", Property: convert.RelCustomer},
			{Type: types.EntityPaymentIntent, Path: "payment_intent", Property: convert.RelPaymentIntent},
		},
		Convert: convert.Charge,
	},
	types.EntityInvoice: {
		Type:          types.EntityInvoice,
		Title:         "Invoices",
		Resource:      "invoices",
		TitleProperty: "Invoice ID",
		Properties:    convert.InvoiceProperties,
		Dependencies: []Dependency{
			{Type: types.EntityCustomer, Path: "customer", Property: convert.RelCustomer},
			{Type: types.EntityCharge, Path: "charge", Property: convert.RelCharge},
			{Type: types.EntityPaymentIntent, Path: "payment_intent", Property: convert.RelPaymentIntent},
			{Type: types.EntityCoupon, Path: "discount.coupon", Property: convert.RelCoupon},
			{Type: types.EntityPromotionCode, Path: "discount.promotion_code", Property: convert.RelPromotionCode},
		},
		Children: []Child{
			{Type: types.EntityLineItem, EmbeddedPath: "lines", ListPath: "/v1/invoices/%s/lines", ParentProperty: convert.RelInvoice},
		},
		Convert:      convert.Invoice,
		Discountable: true,
	},
	types.EntityLineItem: {
		Type:          types.EntityLineItem,
		Title:         "Invoice Line Items",
		TitleProperty: "Line Item ID",
		Properties:    convert.LineItemProperties,
		Dependencies: []Dependency{
			{Type: types.EntityPrice, Path: "price", Property: convert.RelPrice},
			{Type: types.EntityProduct, Path: "price.product", Property: convert.RelProduct},
		},
		Convert: convert.LineItem,
		Owned:   true,
	},
	types.EntitySubscription: {
		Type:          types.EntitySubscription,
		Title:         "Subscriptions",
		Resource:      "subscriptions",
		TitleProperty: "Subscription ID",
		Properties:    convert.SubscriptionProperties,
		Dependencies: []Dependency{
			{Type: types.EntityCustomer, Path: "customer", Property: convert.RelCustomer},
			{Type: types.EntityInvoice, Path: "latest_invoice", Property: convert.RelLatestInvoice},
			{Type: types.EntityPrice, Path: "items.data.0.price", Property: convert.RelPrice},
			{Type: types.EntityProduct, Path: "items.data.0.price.product", Property: convert.RelProduct},
			{Type: types.EntityCoupon, Path: "discount.coupon", Property: convert.RelCoupon},
			{Type: types.EntityPromotionCode, Path: "discount.promotion_code", Property: convert.RelPromotionCode},
		},
		Children: []Child{
			{Type: types.EntitySubscriptionItem, EmbeddedPath: "items", ListPath: "/v1/subscription_items?subscription=%s", ParentProperty: convert.RelSubscription},
		},
		Convert:      convert.Subscription,
		Discountable: true,
	},
	types.EntitySubscriptionItem: {
		Type:          types.EntitySubscriptionItem,
		Title:         "Subscription Items",
		TitleProperty: "Subscription Item ID",
		Properties:    convert.SubscriptionItemProperties,
		Dependencies: []Dependency{
			{Type: types.EntityPrice, Path: "price", Property: convert.RelPrice},
			{Type: types.EntityProduct, Path: "price.product", Property: convert.RelProduct},
		},
		Convert: convert.SubscriptionItem,
		Owned:   true,
	},
}

// backfillOrder puts every type after the types it usually depends on
var backfillOrder = []types.EntityType{
	types.EntityCustomer,
	types.EntityProduct,
	types.EntityPrice,
	types.EntityCoupon,
	types.EntityPromotionCode,
	types.EntityPaymentIntent,
	types.EntityCharge,
	types.EntityInvoice,
	types.EntitySubscription,
}

// supportedKinds maps the platform's "object" field to entity types
var supportedKinds = map[string]types.EntityType{
	"customer":          types.EntityCustomer,
	"product":           types.EntityProduct,
	"price":             types.EntityPrice,
	"coupon":            types.EntityCoupon,
	"promotion_code":    types.EntityPromotionCode,
	"payment_intent":    types.EntityPaymentIntent,
	"charge":            types.EntityCharge,
	"invoice":           types.EntityInvoice,
	"line_item":         types.EntityLineItem,
	"subscription":      types.EntitySubscription,
	"subscription_item": types.EntitySubscriptionItem,
	"discount":          types.EntityDiscount,
}

// Lookup returns the definition for t
func Lookup(t types.EntityType) (Definition, bool) {
	def, ok := definitions[t]
	return def, ok
}

// All returns every entity type that owns a database, in a stable order
func All() []types.EntityType {
	out := make([]types.EntityType, 0, len(definitions))
	for _, t := range backfillOrder {
		out = append(out, t)
		def := definitions[t]
		for _, c := range def.Children {
			out = append(out, c.Type)
		}
	}
	return out
}

// BackfillOrder returns a copy of the backfill order
func BackfillOrder() []types.EntityType {
	out := make([]types.EntityType, len(backfillOrder))
	copy(out, backfillOrder)
	return out
}

// SupportedKinds returns the platform object names the engine syncs
func SupportedKinds() map[string]types.EntityType {
	out := make(map[string]types.EntityType, len(supportedKinds))
	for k, v := range supportedKinds {
		out[k] = v
	}
	return out
}

// KindOf classifies a platform object name
func KindOf(object string) (types.EntityType, bool) {
	t, ok := supportedKinds[object]
	return t, ok
}

// RelationColumn is one relation property on a database
type RelationColumn struct {
	Property string
	Target   types.EntityType
}

// Relations returns every relation column of t: dependencies, the parent link
// of owned types, and discount links.
func Relations(t types.EntityType) []RelationColumn {
	def, ok := definitions[t]
	if !ok {
		return nil
	}

	seen := map[string]bool{}
	var out []RelationColumn
	add := func(property string, target types.EntityType) {
		if !seen[property] {
			seen[property] = true
			out = append(out, RelationColumn{Property: property, Target: target})
		}
	}

	for _, dep := range def.Dependencies {
		add(dep.Property, dep.Type)
	}
	for _, parent := range definitions {
		for _, c := range parent.Children {
			if c.Type == t {
				add(c.ParentProperty, parent.Type)
			}
		}
	}
	if def.Discountable {
		add(convert.RelCoupon, types.EntityCoupon)
		add(convert.RelPromotionCode, types.EntityPromotionCode)
	}
	return out
}
