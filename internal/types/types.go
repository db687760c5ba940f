// Package types provides common type definitions for the sync service.
package types

// EntityType identifies a kind of payments-platform object that is mirrored
// into its own workspace database.
type EntityType string

const (
	// EntityCustomer represents a customer
	EntityCustomer EntityType = "customer"
	// EntityProduct represents a product
	EntityProduct EntityType = "product"
	// EntityPrice represents a price attached to a product
	EntityPrice EntityType = "price"
	// EntityCoupon represents a coupon
	EntityCoupon EntityType = "coupon"
	// EntityPromotionCode represents a customer-facing promotion code for a coupon
	EntityPromotionCode EntityType = "promotion_code"
	// EntityPaymentIntent represents a payment intent
	EntityPaymentIntent EntityType = "payment_intent"
	// EntityCharge represents a charge
	EntityCharge EntityType = "charge"
	// EntityInvoice represents an invoice
	EntityInvoice EntityType = "invoice"
	// EntityLineItem represents an invoice line item (owned by an invoice)
	EntityLineItem EntityType = "line_item"
	// EntitySubscription represents a subscription
	EntitySubscription EntityType = "subscription"
	// EntitySubscriptionItem represents a subscription item (owned by a subscription)
	EntitySubscriptionItem EntityType = "subscription_item"
	// EntityDiscount is a pure relation object without a database of its own
	EntityDiscount EntityType = "discount"
)

// String returns the string form of the entity type.
func (t EntityType) String() string {
	return string(t)
}

// Mode distinguishes live and test data on the payments platform.
type Mode string

const (
	// ModeLive is production data
	ModeLive Mode = "live"
	// ModeTest is sandbox data
	ModeTest Mode = "test"
)

// ParseMode parses a mode string, defaulting to live.
func ParseMode(s string) Mode {
	if s == string(ModeTest) {
		return ModeTest
	}
	return ModeLive
}

// SubscriptionStatus is the account's own subscription to the sync product.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionNone       SubscriptionStatus = "none"
)

// IsActive reports whether the status allows syncing.
func (s SubscriptionStatus) IsActive() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// BackfillStatusValue represents the coarse status of a backfill run
type BackfillStatusValue string

const (
	// BackfillStarted means the run is making progress
	BackfillStarted BackfillStatusValue = "started"
	// BackfillComplete means every entity type has been paginated to the end
	BackfillComplete BackfillStatusValue = "complete"
	// BackfillFailed means the most recent tick exhausted its retries
	BackfillFailed BackfillStatusValue = "failed"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
