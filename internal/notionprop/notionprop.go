// Package notionprop builds workspace page property values and database schemas.
package notionprop

import (
	"time"
	"unicode/utf8"
)

// maxTextLength is the platform limit for a single rich text segment
const maxTextLength = 2000

// Kind is a workspace property type
type Kind string

const (
	KindTitle       Kind = "title"
	KindRichText    Kind = "rich_text"
	KindNumber      Kind = "number"
	KindCheckbox    Kind = "checkbox"
	KindSelect      Kind = "select"
	KindDate        Kind = "date"
	KindURL         Kind = "url"
	KindEmail       Kind = "email"
	KindPhoneNumber Kind = "phone_number"
	KindRelation    Kind = "relation"
)

// Value is one property value in the wire shape, e.g. {"number": 12.5}
type Value map[string]any

// Properties is a set of property values keyed by property name
type Properties map[string]Value

// PropertySpec declares one column of a database schema
type PropertySpec struct {
	Name string
	Kind Kind
}

// Title builds a title value
func Title(s string) Value {
	return Value{"title": textSegments(s)}
}

// RichText builds a rich text value, splitting long strings into segments
func RichText(s string) Value {
	return Value{"rich_text": textSegments(s)}
}

// Number builds a number value
func Number(n float64) Value {
	return Value{"number": n}
}

// Checkbox builds a checkbox value
func Checkbox(b bool) Value {
	return Value{"checkbox": b}
}

// Select builds a select value; an empty name clears the selection
func Select(name string) Value {
	if name == "" {
		return Value{"select": nil}
	}
	return Value{"select": map[string]any{"name": name}}
}

// Date builds a date value from a unix timestamp; zero clears the date
func Date(unix int64) Value {
	if unix == 0 {
		return Value{"date": nil}
	}
	return Value{"date": map[string]any{"start": time.Unix(unix, 0).UTC().Format(time.RFC3339)}}
}

// URL builds a url value
func URL(s string) Value {
	return Value{"url": nullable(s)}
}

// Email builds an email value
func Email(s string) Value {
	return Value{"email": nullable(s)}
}

// PhoneNumber builds a phone number value
func PhoneNumber(s string) Value {
	return Value{"phone_number": nullable(s)}
}

// Relation builds a relation value; empty ids are dropped
func Relation(pageIDs ...string) Value {
	refs := make([]map[string]any, 0, len(pageIDs))
	for _, id := range pageIDs {
		if id != "" {
			refs = append(refs, map[string]any{"id": id})
		}
	}
	return Value{"relation": refs}
}

// SetRelation links name to pageID. An empty pageID leaves the property
// untouched so an update never clears a link it could not resolve.
func (p Properties) SetRelation(name, pageID string) {
	if pageID == "" {
		return
	}
	p[name] = Relation(pageID)
}

// ClearRelation explicitly empties a relation
func (p Properties) ClearRelation(name string) {
	p[name] = Relation()
}

// SetText sets a rich text property, skipping empty strings
func (p Properties) SetText(name, s string) {
	if s != "" {
		p[name] = RichText(s)
	}
}

// Schema returns the database property schema for a scalar kind
func Schema(kind Kind) map[string]any {
	switch kind {
	case KindNumber:
		return map[string]any{"number": map[string]any{"format": "number"}}
	case KindSelect:
		return map[string]any{"select": map[string]any{"options": []any{}}}
	default:
		return map[string]any{string(kind): map[string]any{}}
	}
}

// RelationSchema returns the schema for a relation column pointing at databaseID
func RelationSchema(databaseID string) map[string]any {
	return map[string]any{
		"relation": map[string]any{
			"database_id":     databaseID,
			"single_property": map[string]any{},
		},
	}
}

// TitleFilter builds a database query filter matching a title exactly
func TitleFilter(property, title string) map[string]any {
	return map[string]any{
		"filter": map[string]any{
			"property": property,
			"title":    map[string]any{"equals": title},
		},
		"page_size": 1,
	}
}

func textSegments(s string) []map[string]any {
	segments := make([]map[string]any, 0, 1)
	for len(s) > 0 {
		chunk := s
		if len(chunk) > maxTextLength {
			cut := maxTextLength
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			chunk = s[:cut]
		}
		segments = append(segments, map[string]any{"text": map[string]any{"content": chunk}})
		s = s[len(chunk):]
	}
	return segments
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
