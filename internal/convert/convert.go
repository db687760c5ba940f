// Package convert maps raw payments-platform objects to workspace page properties.
//
// Converters are pure: they read the payload with gjson and the page ids of
// already-resolved related entities, and never perform I/O.
package convert

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stripe-notion-sync/internal/notionprop"
)

// Func converts one source object and its resolved relations into page properties.
// The title property is added by the caller.
type Func func(obj gjson.Result, links Links) notionprop.Properties

// Links maps relation property names to target page ids
type Links map[string]string

// ApplyTo writes every resolved relation into props
func (l Links) ApplyTo(props notionprop.Properties) {
	for name, pageID := range l {
		props.SetRelation(name, pageID)
	}
}

// IDAt reads an object id at path. Expanded objects are read through their "id".
func IDAt(obj gjson.Result, path string) string {
	r := obj.Get(path)
	switch {
	case r.Type == gjson.String:
		return r.Str
	case r.IsObject():
		return r.Get("id").String()
	default:
		return ""
	}
}

var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

var threeDecimal = map[string]bool{
	"bhd": true, "jod": true, "kwd": true, "omr": true, "tnd": true,
}

// MajorUnits converts an amount in the currency's minor unit to major units
func MajorUnits(minor int64, currency string) float64 {
	c := strings.ToLower(currency)
	switch {
	case zeroDecimal[c]:
		return float64(minor)
	case threeDecimal[c]:
		return float64(minor) / 1000
	default:
		return float64(minor) / 100
	}
}

func amount(obj gjson.Result, path, currency string) notionprop.Value {
	return notionprop.Number(MajorUnits(obj.Get(path).Int(), currency))
}

func optionalAmount(props notionprop.Properties, name string, obj gjson.Result, path, currency string) {
	if r := obj.Get(path); r.Exists() && r.Type != gjson.Null {
		props[name] = notionprop.Number(MajorUnits(r.Int(), currency))
	}
}

func optionalNumber(props notionprop.Properties, name string, obj gjson.Result, path string) {
	if r := obj.Get(path); r.Exists() && r.Type != gjson.Null {
		props[name] = notionprop.Number(r.Float())
	}
}

func upper(s string) string {
	return strings.ToUpper(s)
}

// dashboardURL links to the object in the payments dashboard
func dashboardURL(obj gjson.Result, collection string) string {
	id := obj.Get("id").String()
	if id == "" {
		return ""
	}
	prefix := "https://dashboard.stripe.com/"
	if !obj.Get("livemode").Bool() {
		prefix += "test/"
	}
	return prefix + collection + "/" + id
}
