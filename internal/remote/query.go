package remote

import "strings"

// phenomenaFields are the multi_match targets with relevance boosts.
// Symptom-bearing fields dominate; facet and code fields contribute less.
var phenomenaFields = []string{
	"text^3.0",
	"symptoms^3.0",
	"symptom^3.0",
	"fault_symptom^3.0",
	"faultSymptom^3.0",
	"symptom_desc^2.8",
	"symptomDesc^2.8",
	"topic^2.5",
	"summary^2.3",
	"discussion^2.5",
	"fault_point^2.5",
	"faultPoint^2.5",
	"analysis^2.0",
	"search_content^2.0",
	"searchContent^2.0",
	"search^1.8",
	"solution^1.8",
	"part^1.5",
	"component^1.5",
	"system^1.5",
	"system_name^1.3",
	"vehicletype^1.5",
	"vehicle_model^1.5",
	"vehicle_name^1.3",
	"vehiclename^1.3",
	"vehiclebrand^1.3",
	"vehicle_brand^1.3",
	"brand^1.3",
	"spare2^1.0",
	"spare4^1.0",
	"faultcode^0.8",
	"fault_code^0.8",
	"dtc^0.8",
}

var faultCodeFields = []string{"faultcode", "fault_code", "dtc", "dtc_code", "spare4"}

// Filters are the structured facet constraints on a remote search.
type Filters struct {
	System      string
	Part        string
	VehicleType string
	FaultCode   string
}

// buildFilterClauses turns the facet hints into bool filter clauses.
// System and fault code use exact/phrase matching since they are
// categorical; part and vehicle type use boosted multi_match because the
// corpora spell them inconsistently.
func buildFilterClauses(f Filters) []map[string]any {
	var clauses []map[string]any
	if f.System != "" {
		clauses = append(clauses, map[string]any{
			"bool": map[string]any{
				"should": []map[string]any{
					{"term": map[string]any{"system.keyword": f.System}},
					{"term": map[string]any{"system_name.keyword": f.System}},
					{"match_phrase": map[string]any{"system": f.System}},
					{"match_phrase": map[string]any{"system_name": f.System}},
				},
				"minimum_should_match": 1,
			},
		})
	}
	if f.Part != "" {
		clauses = append(clauses, map[string]any{
			"multi_match": map[string]any{
				"query": f.Part,
				"fields": []string{
					"part^2.0",
					"component^2.0",
					"component_name^2.0",
					"control_unit^1.5",
					"fault_point^1.2",
				},
				"type": "best_fields",
			},
		})
	}
	if f.VehicleType != "" {
		clauses = append(clauses, map[string]any{
			"multi_match": map[string]any{
				"query": f.VehicleType,
				"fields": []string{
					"vehicletype^2.0",
					"vehicle_model^2.0",
					"vehicle_name^1.5",
					"vehiclename^1.5",
					"model^1.2",
					"series^1.2",
				},
				"type": "best_fields",
			},
		})
	}
	if f.FaultCode != "" {
		should := make([]map[string]any, 0, len(faultCodeFields))
		for _, field := range faultCodeFields {
			should = append(should, map[string]any{
				"match_phrase": map[string]any{field: f.FaultCode},
			})
		}
		clauses = append(clauses, map[string]any{
			"bool": map[string]any{
				"should":               should,
				"minimum_should_match": 1,
			},
		})
	}
	return clauses
}

func highlightField(fragmentSize int) map[string]any {
	return map[string]any{
		"fragment_size":       fragmentSize,
		"number_of_fragments": 1,
		"pre_tags":            []string{"<mark>"},
		"post_tags":           []string{"</mark>"},
	}
}

// buildLexicalBody builds the lexical search body: weighted multi_match
// with fuzziness, facet filters, popularity should clauses, highlights
// and a score/popularity sort.
func buildLexicalBody(query string, filters []map[string]any, size int) map[string]any {
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": map[string]any{
					"multi_match": map[string]any{
						"query":                query,
						"fields":               phenomenaFields,
						"type":                 "best_fields",
						"fuzziness":            "AUTO",
						"minimum_should_match": "75%",
					},
				},
				"filter": filters,
				"should": []map[string]any{
					{"range": map[string]any{"popularity": map[string]any{"gte": 50}}},
					{"range": map[string]any{"popularity_score": map[string]any{"gte": 50}}},
				},
			},
		},
		"size": size,
		"highlight": map[string]any{
			"fields": map[string]any{
				"text":          highlightField(150),
				"symptoms":      highlightField(150),
				"fault_symptom": highlightField(150),
				"discussion":    highlightField(100),
				"fault_point":   highlightField(100),
			},
		},
		"sort": []map[string]any{
			{"_score": map[string]any{"order": "desc"}},
			{"popularity": map[string]any{"order": "desc", "missing": "_last", "unmapped_type": "float"}},
			{"search_num": map[string]any{"order": "desc", "missing": "_last", "unmapped_type": "integer"}},
			{"searchNum": map[string]any{"order": "desc", "missing": "_last", "unmapped_type": "integer"}},
		},
	}
}

// knnStyle selects the kNN query syntax. Servers before 2.9 reject the
// top-level clause and need the bool.must form.
type knnStyle int

const (
	knnTopLevel knnStyle = iota
	knnNested
)

// buildKNNBody builds the vector search body in the given style.
func buildKNNBody(style knnStyle, vectorField string, vector []float32, vectorK, numCandidates int, filters []map[string]any) map[string]any {
	if numCandidates < vectorK*4 {
		numCandidates = vectorK * 4
	}

	boolQuery := map[string]any{}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	if style == knnNested {
		boolQuery["must"] = []map[string]any{
			{
				"knn": map[string]any{
					vectorField: map[string]any{
						"vector":         vector,
						"k":              vectorK,
						"num_candidates": numCandidates,
					},
				},
			},
		}
		return map[string]any{
			"size":  vectorK,
			"query": map[string]any{"bool": boolQuery},
		}
	}

	return map[string]any{
		"size":  vectorK,
		"query": map[string]any{"bool": boolQuery},
		"knn": map[string]any{
			"field":          vectorField,
			"query_vector":   vector,
			"k":              vectorK,
			"num_candidates": numCandidates,
		},
	}
}

// needsNestedKNN recognizes the parse errors older servers raise for the
// top-level kNN clause.
func needsNestedKNN(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"Unknown key for a START_OBJECT in [knn]",
		"Unknown key for a FIELD_NAME in [knn]",
		"Failed to parse [knn]",
		"parsing_exception",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// buildAggregationBody requests system/vehicletype distributions and
// popularity statistics.
func buildAggregationBody() map[string]any {
	return map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"systems": map[string]any{
				"terms": map[string]any{"field": "system.keyword", "size": 20},
			},
			"vehicletypes": map[string]any{
				"terms": map[string]any{"field": "vehicletype.keyword", "size": 20},
			},
			"popularity_stats": map[string]any{
				"stats": map[string]any{"field": "popularity"},
			},
		},
	}
}
