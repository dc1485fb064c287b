package kb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trim and collapse whitespace", "  刹车   发软  ", "刹车 发软"},
		{"ascii lowercased", "Engine NOISE", "engine noise"},
		{"fullwidth to halfwidth", "ＡＢＣ１２３", "abc123"},
		{"ideographic space", "刹车　发软", "刹车 发软"},
		{"abbreviation uppercased", "abs 灯亮", "ABS 灯亮"},
		{"abbreviation inside sentence", "the esp light", "the ESP light"},
		{"abbreviation not inside word", "absolutely", "absolutely"},
		{"misspelling youyixiang", "车子youyixiang", "车子有异响"},
		{"misspelling with spaces", "you yi xiang", "有异响"},
		{"misspelling famen", "famen卡滞", "阀门卡滞"},
		{"fault code preserved", "P0301 failure", "p0301 failure"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuery(tt.in))
		})
	}
}

func TestNormalizeQueryIdempotent(t *testing.T) {
	inputs := []string{
		"  刹车   发软  ",
		"abs 灯亮 youyixiang",
		"ＡＢＳ故障",
		"Engine famen P0301",
		"车子有异响",
	}
	for _, in := range inputs {
		once := NormalizeQuery(in)
		assert.Equal(t, once, NormalizeQuery(once), "input %q", in)
	}
}
