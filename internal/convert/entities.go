package convert

import (
	"github.com/tidwall/gjson"

	np "github.com/stripe-notion-sync/internal/notionprop"
)

// Relation property names shared with the registry
const (
	RelCustomer      = "Customer"
	RelProduct       = "Product"
	RelPrice         = "Price"
	RelCoupon        = "Coupon"
	RelPromotionCode = "Promotion Code"
	RelPaymentIntent = "Payment Intent"
	RelCharge        = "Charge"
	RelLatestCharge  = "Latest Charge"
	RelInvoice       = "Invoice"
	RelLatestInvoice = "Latest Invoice"
	RelSubscription  = "Subscription"
)

// CustomerProperties is the scalar schema of the customer database
var CustomerProperties = []np.PropertySpec{
	{Name: "Name", Kind: np.KindRichText},
	{Name: "Email", Kind: np.KindEmail},
	{Name: "Phone", Kind: np.KindPhoneNumber},
	{Name: "Description", Kind: np.KindRichText},
	{Name: "Currency", Kind: np.KindSelect},
	{Name: "Balance", Kind: np.KindNumber},
	{Name: "Delinquent", Kind: np.KindCheckbox},
	{Name: "Deleted", Kind: np.KindCheckbox},
	{Name: "Created", Kind: np.KindDate},
	{Name: "Dashboard", Kind: np.KindURL},
}

// Customer converts a customer object
func Customer(obj gjson.Result, links Links) np.Properties {
	currency := obj.Get("currency").String()
	props := np.Properties{
		"Email":      np.Email(obj.Get("email").String()),
		"Phone":      np.PhoneNumber(obj.Get("phone").String()),
		"Currency":   np.Select(upper(currency)),
		"Balance":    amount(obj, "balance", currency),
		"Delinquent": np.Checkbox(obj.Get("delinquent").Bool()),
		"Deleted":    np.Checkbox(obj.Get("deleted").Bool()),
		"Created":    np.Date(obj.Get("created").Int()),
		"Dashboard":  np.URL(dashboardURL(obj, "customers")),
	}
	props.SetText("Name", obj.Get("name").String())
	props.SetText("Description", obj.Get("description").String())
	links.ApplyTo(props)
	return props
}

// ProductProperties is the scalar schema of the product database
var ProductProperties = []np.PropertySpec{
	{Name: "Name", Kind: np.KindRichText},
	{Name: "Description", Kind: np.KindRichText},
	{Name: "Active", Kind: np.KindCheckbox},
	{Name: "Unit Label", Kind: np.KindRichText},
	{Name: "URL", Kind: np.KindURL},
	{Name: "Created", Kind: np.KindDate},
	{Name: "Updated", Kind: np.KindDate},
	{Name: "Dashboard", Kind: np.KindURL},
}

// Product converts a product object
func Product(obj gjson.Result, links Links) np.Properties {
	props := np.Properties{
		"Active":    np.Checkbox(obj.Get("active").Bool()),
		"URL":       np.URL(obj.Get("url").String()),
		"Created":   np.Date(obj.Get("created").Int()),
		"Updated":   np.Date(obj.Get("updated").Int()),
		"Dashboard": np.URL(dashboardURL(obj, "products")),
	}
	props.SetText("Name", obj.Get("name").String())
	props.SetText("Description", obj.Get("description").String())
	props.SetText("Unit Label", obj.Get("unit_label").String())
	links.ApplyTo(props)
	return props
}

// PriceProperties is the scalar schema of the price database
var PriceProperties = []np.PropertySpec{
	{Name: "Nickname", Kind: np.KindRichText},
	{Name: "Active", Kind: np.KindCheckbox},
	{Name: "Currency", Kind: np.KindSelect},
	{Name: "Unit Amount", Kind: np.KindNumber},
	{Name: "Type", Kind: np.KindSelect},
	{Name: "Billing Scheme", Kind: np.KindSelect},
	{Name: "Interval", Kind: np.KindSelect},
	{Name: "Interval Count", Kind: np.KindNumber},
	{Name: "Lookup Key", Kind: np.KindRichText},
	{Name: "Created", Kind: np.KindDate},
}

// Price converts a price object
func Price(obj gjson.Result, links Links) np.Properties {
	currency := obj.Get("currency").String()
	props := np.Properties{
		"Active":         np.Checkbox(obj.Get("active").Bool()),
		"Currency":       np.Select(upper(currency)),
		"Type":           np.Select(obj.Get("type").String()),
		"Billing Scheme": np.Select(obj.Get("billing_scheme").String()),
		"Interval":       np.Select(obj.Get("recurring.interval").String()),
		"Created":        np.Date(obj.Get("created").Int()),
	}
	optionalAmount(props, "Unit Amount", obj, "unit_amount", currency)
	optionalNumber(props, "Interval Count", obj, "recurring.interval_count")
	props.SetText("Nickname", obj.Get("nickname").String())
	props.SetText("Lookup Key", obj.Get("lookup_key").String())
	links.ApplyTo(props)
	return props
}

// CouponProperties is the scalar schema of the coupon database
var CouponProperties = []np.PropertySpec{
	{Name: "Name", Kind: np.KindRichText},
	{Name: "Percent Off", Kind: np.KindNumber},
	{Name: "Amount Off", Kind: np.KindNumber},
	{Name: "Currency", Kind: np.KindSelect},
	{Name: "Duration", Kind: np.KindSelect},
	{Name: "Duration In Months", Kind: np.KindNumber},
	{Name: "Max Redemptions", Kind: np.KindNumber},
	{Name: "Times Redeemed", Kind: np.KindNumber},
	{Name: "Valid", Kind: np.KindCheckbox},
	{Name: "Redeem By", Kind: np.KindDate},
	{Name: "Created", Kind: np.KindDate},
}

// Coupon converts a coupon object
func Coupon(obj gjson.Result, links Links) np.Properties {
	currency := obj.Get("currency").String()
	props := np.Properties{
		"Currency":       np.Select(upper(currency)),
		"Duration":       np.Select(obj.Get("duration").String()),
		"Times Redeemed": np.Number(obj.Get("times_redeemed").Float()),
		"Valid":          np.Checkbox(obj.Get("valid").Bool()),
		"Redeem By":      np.Date(obj.Get("redeem_by").Int()),
		"Created":        np.Date(obj.Get("created").Int()),
	}
	optionalNumber(props, "Percent Off", obj, "percent_off")
	optionalAmount(props, "Amount Off", obj, "amount_off", currency)
	optionalNumber(props, "Duration In Months", obj, "duration_in_months")
	optionalNumber(props, "Max Redemptions", obj, "max_redemptions")
	props.SetText("Name", obj.Get("name").String())
	links.ApplyTo(props)
	return props
}

// PromotionCodeProperties is the scalar schema of the promotion code database
var PromotionCodeProperties = []np.PropertySpec{
	{Name: "Code", Kind: np.KindRichText},
	{Name: "Active", Kind: np.KindCheckbox},
	{Name: "Times Redeemed", Kind: np.KindNumber},
	{Name: "Max Redemptions", Kind: np.KindNumber},
	{Name: "Expires At", Kind: np.KindDate},
	{Name: "Created", Kind: np.KindDate},
}

// PromotionCode converts a promotion code object
func PromotionCode(obj gjson.Result, links Links) np.Properties {
	props := np.Properties{
		"Active":         np.Checkbox(obj.Get("active").Bool()),
		"Times Redeemed": np.Number(obj.Get("times_redeemed").Float()),
		"Expires At":     np.Date(obj.Get("expires_at").Int()),
		"Created":        np.Date(obj.Get("created").Int()),
	}
	optionalNumber(props, "Max Redemptions", obj, "max_redemptions")
	props.SetText("Code", obj.Get("code").String())
	links.ApplyTo(props)
	return props
}

// PaymentIntentProperties is the scalar schema of the payment intent database
var PaymentIntentProperties = []np.PropertySpec{
	{Name: "Amount", Kind: np.KindNumber},
	{Name: "Amount Received", Kind: np.KindNumber},
	{Name: "Currency", Kind: np.KindSelect},
	{Name: "Status", Kind: np.KindSelect},
	{Name: "Description", Kind: np.KindRichText},
	{Name: "Cancellation Reason", Kind: np.KindSelect},
	{Name: "Created", Kind: np.KindDate},
	{Name: "Dashboard", Kind: np.KindURL},
}

// PaymentIntent converts a payment intent object
func PaymentIntent(obj gjson.Result, links Links) np.Properties {
	currency := obj.Get("currency").String()
	props := np.Properties{
		"Amount":              amount(obj, "amount", currency),
		"Amount Received":     amount(obj, "amount_received", currency),
		"Currency":            np.Select(upper(currency)),
		"Status":              np.Select(obj.Get("status").String()),
		"Cancellation Reason": np.Select(obj.Get("cancellation_reason").String()),
		"Created":             np.Date(obj.Get("created").Int()),
		"Dashboard":           np.URL(dashboardURL(obj, "payments")),
	}
	props.SetText("Description", obj.Get("description").String())
	links.ApplyTo(props)
	return props
}

// ChargeProperties is the scalar schema of the charge database
var ChargeProperties = []np.PropertySpec{
	{Name: "Amount", Kind: np.KindNumber},
	{Name: "Amount Captured", Kind: np.KindNumber},
	{Name: "Amount Refunded", Kind: np.KindNumber},
	{Name: "Currency", Kind: np.KindSelect},
	{Name: "Status", Kind: np.KindSelect},
	{Name: "Paid", Kind: np.KindCheckbox},
	{Name: "Refunded", Kind: np.KindCheckbox},
	{Name: "Disputed", Kind: np.KindCheckbox},
	{Name: "Failure Message", Kind: np.KindRichText},
	{Name: "Description", Kind: np.KindRichText},
	{Name: "Receipt URL", Kind: np.KindURL},
	{Name: "Created", Kind: np.KindDate},
}

// Charge converts a charge object
func Charge(obj gjson.Result, links Links) np.Properties {
	currency := obj.Get("currency").String()
	props := np.Properties{
		"Amount":          amount(obj, "amount", currency),
		"Amount Captured": amount(obj, "amount_captured", currency),
		"Amount Refunded": amount(obj, "amount_refunded", currency),
		"Currency":        np.Select(upper(currency)),
		"Status":          np.Select(obj.Get("status").String()),
		"Paid":            np.Checkbox(obj.Get("paid").Bool()),
		"Refunded":        np.Checkbox(obj.Get("refunded").Bool()),
		"Disputed":        np.Checkbox(obj.Get("disputed").Bool()),
		"Receipt URL":     np.URL(obj.Get("receipt_url").String()),
		"Created":         np.Date(obj.Get("created").Int()),
	}
	props.SetText("Failure Message", obj.Get("failure_message").String())
	props.SetText("Description", obj.Get("description").String())
	links.ApplyTo(props)
	return props
}

// InvoiceProperties is the scalar schema of the invoice database
var InvoiceProperties = []np.PropertySpec{
	{Name: "Number", Kind: np.KindRichText},
	{Name: "Status", Kind: np.KindSelect},
	{Name: "Billing Reason", Kind: np.KindSelect},
	{Name: "Collection Method", Kind: np.KindSelect},
	{Name: "Currency", Kind: np.KindSelect},
	{Name: "Subtotal", Kind: np.KindNumber},
	{Name: "Total", Kind: np.KindNumber},
	{Name: "Amount Due", Kind: np.KindNumber},
	{Name: "Amount Paid", Kind: np.KindNumber},
	{Name: "Amount Remaining", Kind: np.KindNumber},
	{Name: "Paid", Kind: np.KindCheckbox},
	{Name: "Due Date", Kind: np.KindDate},
	{Name: "Period Start", Kind: np.KindDate},
	{Name: "Period End", Kind: np.KindDate},
	{Name: "Hosted Invoice URL", Kind: np.KindURL},
	{Name: "Invoice PDF", Kind: np.KindURL},
	{Name: "Created", Kind: np.KindDate},
}

// Invoice converts an invoice object
func Invoice(obj gjson.Result, links Links) np.Properties {
	currency := obj.Get("currency").String()
	props := np.Properties{
		"Status":             np.Select(obj.Get("status").String()),
		"Billing Reason":     np.Select(obj.Get("billing_reason").String()),
		"Collection Method":  np.Select(obj.Get("collection_method").String()),
		"Currency":           np.Select(upper(currency)),
		"Subtotal":           amount(obj, "subtotal", currency),
		"Total":              amount(obj, "total", currency),
		"Amount Due":         amount(obj, "amount_due", currency),
		"Amount Paid":        amount(obj, "amount_paid", currency),
		"Amount Remaining":   amount(obj, "amount_remaining", currency),
		"Paid":               np.Checkbox(obj.Get("paid").Bool()),
		"Due Date":           np.Date(obj.Get("due_date").Int()),
		"Period Start":       np.Date(obj.Get("period_start").Int()),
		"Period End":         np.Date(obj.Get("period_end").Int()),
		"Hosted Invoice URL": np.URL(obj.Get("hosted_invoice_url").String()),
		"Invoice PDF":        np.URL(obj.Get("invoice_pdf").String()),
		"Created":            np.Date(obj.Get("created").Int()),
	}
	props.SetText("Number", obj.Get("number").String())
	links.ApplyTo(props)
	return props
}

// LineItemProperties is the scalar schema of the invoice line item database
var LineItemProperties = []np.PropertySpec{
	{Name: "Description", Kind: np.KindRichText},
	{Name: "Amount", Kind: np.KindNumber},
	{Name: "Currency", Kind: np.KindSelect},
	{Name: "Quantity", Kind: np.KindNumber},
	{Name: "Type", Kind: np.KindSelect},
	{Name: "Proration", Kind: np.KindCheckbox},
	{Name: "Period Start", Kind: np.KindDate},
	{Name: "Period End", Kind: np.KindDate},
}

// LineItem converts an invoice line item
func LineItem(obj gjson.Result, links Links) np.Properties {
	currency := obj.Get("currency").String()
	props := np.Properties{
		"Amount":       amount(obj, "amount", currency),
		"Currency":     np.Select(upper(currency)),
		"Type":         np.Select(obj.Get("type").String()),
		"Proration":    np.Checkbox(obj.Get("proration").Bool()),
		"Period Start": np.Date(obj.Get("period.start").Int()),
		"Period End":   np.Date(obj.Get("period.end").Int()),
	}
	optionalNumber(props, "Quantity", obj, "quantity")
	props.SetText("Description", obj.Get("description").String())
	links.ApplyTo(props)
	return props
}

// SubscriptionProperties is the scalar schema of the subscription database
var SubscriptionProperties = []np.PropertySpec{
	{Name: "Status", Kind: np.KindSelect},
	{Name: "Collection Method", Kind: np.KindSelect},
	{Name: "Currency", Kind: np.KindSelect},
	{Name: "Cancel At Period End", Kind: np.KindCheckbox},
	{Name: "Current Period Start", Kind: np.KindDate},
	{Name: "Current Period End", Kind: np.KindDate},
	{Name: "Trial Start", Kind: np.KindDate},
	{Name: "Trial End", Kind: np.KindDate},
	{Name: "Canceled At", Kind: np.KindDate},
	{Name: "Ended At", Kind: np.KindDate},
	{Name: "Created", Kind: np.KindDate},
	{Name: "Dashboard", Kind: np.KindURL},
}

// Subscription converts a subscription object
func Subscription(obj gjson.Result, links Links) np.Properties {
	props := np.Properties{
		"Status":               np.Select(obj.Get("status").String()),
		"Collection Method":    np.Select(obj.Get("collection_method").String()),
		"Currency":             np.Select(upper(obj.Get("currency").String())),
		"Cancel At Period End": np.Checkbox(obj.Get("cancel_at_period_end").Bool()),
		"Current Period Start": np.Date(obj.Get("current_period_start").Int()),
		"Current Period End":   np.Date(obj.Get("current_period_end").Int()),
		"Trial Start":          np.Date(obj.Get("trial_start").Int()),
		"Trial End":            np.Date(obj.Get("trial_end").Int()),
		"Canceled At":          np.Date(obj.Get("canceled_at").Int()),
		"Ended At":             np.Date(obj.Get("ended_at").Int()),
		"Created":              np.Date(obj.Get("created").Int()),
		"Dashboard":            np.URL(dashboardURL(obj, "subscriptions")),
	}
	links.ApplyTo(props)
	return props
}

// SubscriptionItemProperties is the scalar schema of the subscription item database
var SubscriptionItemProperties = []np.PropertySpec{
	{Name: "Quantity", Kind: np.KindNumber},
	{Name: "Created", Kind: np.KindDate},
}

// SubscriptionItem converts a subscription item
func SubscriptionItem(obj gjson.Result, links Links) np.Properties {
	props := np.Properties{
		"Created": np.Date(obj.Get("created").Int()),
	}
	optionalNumber(props, "Quantity", obj, "quantity")
	links.ApplyTo(props)
	return props
}
