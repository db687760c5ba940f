package notionprop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRichText_SplitsLongStrings(t *testing.T) {
	v := RichText(strings.Repeat("a", 4500))
	segments := v["rich_text"].([]map[string]any)
	require.Len(t, segments, 3)
	assert.Len(t, segments[0]["text"].(map[string]any)["content"], 2000)
	assert.Len(t, segments[2]["text"].(map[string]any)["content"], 500)
}

func TestRichText_DoesNotSplitRunes(t *testing.T) {
	s := strings.Repeat("a", 1999) + "é" + "b"
	segments := RichText(s)["rich_text"].([]map[string]any)
	require.Len(t, segments, 2)
	assert.Equal(t, strings.Repeat("a", 1999), segments[0]["text"].(map[string]any)["content"])
	assert.Equal(t, "éb", segments[1]["text"].(map[string]any)["content"])
}

func TestScalarValues(t *testing.T) {
	tests := []struct {
		name string
		got  Value
		want Value
	}{
		{"number", Number(12.5), Value{"number": 12.5}},
		{"checkbox", Checkbox(true), Value{"checkbox": true}},
		{"select", Select("paid"), Value{"select": map[string]any{"name": "paid"}}},
		{"empty select", Select(""), Value{"select": nil}},
		{"date", Date(1700000000), Value{"date": map[string]any{"start": "2023-11-14T22:13:20Z"}}},
		{"zero date", Date(0), Value{"date": nil}},
		{"empty email", Email(""), Value{"email": nil}},
		{"relation drops empty", Relation("p1", ""), Value{"relation": []map[string]any{{"id": "p1"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestProperties_Relations(t *testing.T) {
	p := Properties{}
	p.SetRelation("Customer", "")
	assert.NotContains(t, p, "Customer")

	p.SetRelation("Customer", "page_1")
	assert.Equal(t, Relation("page_1"), p["Customer"])

	p.ClearRelation("Coupon")
	assert.Equal(t, Value{"relation": []map[string]any{}}, p["Coupon"])
}

func TestSchema(t *testing.T) {
	assert.Equal(t, map[string]any{"title": map[string]any{}}, Schema(KindTitle))
	assert.Equal(t, map[string]any{"number": map[string]any{"format": "number"}}, Schema(KindNumber))
	assert.Equal(t, "db_1", RelationSchema("db_1")["relation"].(map[string]any)["database_id"])
}
