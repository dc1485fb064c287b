package remote

import (
	"regexp"
	"strconv"
	"strings"
)

// Upstream indices disagree on field naming (camelCase vs snake_case,
// legacy spare columns). Each coalescing list is ordered most to least
// preferred; the first non-empty value wins.
var (
	textAliases       = []string{"text", "fault_symptom", "symptoms", "symptom", "summary", "fault_description", "fault_desc", "discussion", "fault_point"}
	systemAliases     = []string{"system", "system_name", "systemCategory", "system_category"}
	partAliases       = []string{"part", "component", "component_name", "control_unit", "fault_part"}
	tagAliases        = []string{"tags", "labels", "tag_list"}
	vehicleAliases    = []string{"vehicletype", "vehicle_model", "vehicle_name", "vehiclename", "model", "series", "car_model"}
	faultCodeAliases  = []string{"faultcode", "fault_code", "dtc", "code", "spare4"}
	popularityAliases = []string{"popularity", "popularity_score"}
	searchNumAliases  = []string{"searchNum", "search_num"}
)

var tagSplitter = regexp.MustCompile(`[,，;；\s]+`)

// Fields is the coalesced view of one remote document.
type Fields struct {
	Text        string
	System      string
	Part        string
	Tags        []string
	VehicleType string
	FaultCode   string
	Popularity  float64
	SearchNum   int
}

// ExtractFields coalesces a raw _source payload into canonical fields.
func ExtractFields(source map[string]any) Fields {
	return Fields{
		Text:        pickString(source, textAliases),
		System:      pickString(source, systemAliases),
		Part:        pickString(source, partAliases),
		Tags:        normalizeTags(pickFirst(source, tagAliases)),
		VehicleType: pickString(source, vehicleAliases),
		FaultCode:   pickString(source, faultCodeAliases),
		Popularity:  coerceFloat(pickFirst(source, popularityAliases)),
		SearchNum:   coerceInt(pickFirst(source, searchNumAliases)),
	}
}

// pickFirst returns the first non-empty value among the aliased keys.
func pickFirst(source map[string]any, keys []string) any {
	for _, key := range keys {
		value, ok := source[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		case []any:
			if len(v) > 0 {
				return v
			}
		case map[string]any:
			if len(v) > 0 {
				return v
			}
		default:
			return value
		}
	}
	return nil
}

func pickString(source map[string]any, keys []string) string {
	if v, ok := pickFirst(source, keys).(string); ok {
		return v
	}
	return ""
}

// normalizeTags accepts a list or a delimited string and returns trimmed
// non-empty tags.
func normalizeTags(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		var tags []string
		for _, item := range v {
			if s := strings.TrimSpace(toString(item)); s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, part := range tagSplitter.Split(v, -1) {
			if s := strings.TrimSpace(part); s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	default:
		if s := strings.TrimSpace(toString(v)); s != "" {
			return []string{s}
		}
		return nil
	}
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func coerceFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return 0
}

func coerceInt(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return int(f)
		}
	}
	return 0
}
