package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFieldsAliasPreference(t *testing.T) {
	fields := ExtractFields(map[string]any{
		"text":          "刹车踏板发软",
		"fault_symptom": "ignored, text wins",
		"system_name":   "制动系统",
		"component":     "制动总泵",
		"vehicle_model": "SUV-X",
		"spare4":        "C1234",
		"popularity":    float64(120),
		"searchNum":     float64(33),
	})
	assert.Equal(t, "刹车踏板发软", fields.Text)
	assert.Equal(t, "制动系统", fields.System)
	assert.Equal(t, "制动总泵", fields.Part)
	assert.Equal(t, "SUV-X", fields.VehicleType)
	assert.Equal(t, "C1234", fields.FaultCode)
	assert.Equal(t, 120.0, fields.Popularity)
	assert.Equal(t, 33, fields.SearchNum)
}

func TestExtractFieldsSkipsEmptyAliases(t *testing.T) {
	fields := ExtractFields(map[string]any{
		"text":     "   ",
		"symptoms": "怠速抖动",
		"system":   nil,
	})
	assert.Equal(t, "怠速抖动", fields.Text)
	assert.Empty(t, fields.System)
}

func TestExtractFieldsNumericStrings(t *testing.T) {
	fields := ExtractFields(map[string]any{
		"text":       "x",
		"popularity": "88.5",
		"search_num": "12",
	})
	assert.Equal(t, 88.5, fields.Popularity)
	assert.Equal(t, 12, fields.SearchNum)
}

func TestNormalizeTags(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, nil},
		{"list", []any{"异响", " 刹车 ", ""}, []string{"异响", "刹车"}},
		{"comma string", "异响,刹车", []string{"异响", "刹车"}},
		{"chinese delimiters", "异响，刹车；抖动", []string{"异响", "刹车", "抖动"}},
		{"whitespace string", "异响 刹车", []string{"异响", "刹车"}},
		{"numeric scalar", float64(3), []string{"3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeTags(tt.in))
		})
	}
}
