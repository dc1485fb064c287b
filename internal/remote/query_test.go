package remote

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLexicalBody(t *testing.T) {
	body := buildLexicalBody("刹车发软", nil, 10)
	assert.Equal(t, 10, body["size"])

	boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
	mm := boolQuery["must"].(map[string]any)["multi_match"].(map[string]any)
	assert.Equal(t, "刹车发软", mm["query"])
	assert.Equal(t, "AUTO", mm["fuzziness"])
	assert.Equal(t, "75%", mm["minimum_should_match"])
	assert.Contains(t, mm["fields"], "text^3.0")
	assert.Contains(t, mm["fields"], "dtc^0.8")

	sort := body["sort"].([]map[string]any)
	require.Len(t, sort, 4)
	assert.Contains(t, sort[0], "_score")
}

func TestBuildFilterClauses(t *testing.T) {
	t.Run("empty filters yield no clauses", func(t *testing.T) {
		assert.Empty(t, buildFilterClauses(Filters{}))
	})

	t.Run("system uses exact and phrase forms", func(t *testing.T) {
		clauses := buildFilterClauses(Filters{System: "制动"})
		require.Len(t, clauses, 1)
		should := clauses[0]["bool"].(map[string]any)["should"].([]map[string]any)
		assert.Len(t, should, 4)
	})

	t.Run("all filters", func(t *testing.T) {
		clauses := buildFilterClauses(Filters{
			System: "制动", Part: "刹车片", VehicleType: "SUV", FaultCode: "C1234",
		})
		assert.Len(t, clauses, 4)
	})
}

func TestBuildKNNBody(t *testing.T) {
	vector := []float32{0.1, 0.2}

	t.Run("top level", func(t *testing.T) {
		body := buildKNNBody(knnTopLevel, "text_vector", vector, 50, 0, nil)
		assert.Equal(t, 50, body["size"])
		knn := body["knn"].(map[string]any)
		assert.Equal(t, "text_vector", knn["field"])
		assert.Equal(t, 50, knn["k"])
		// num_candidates floors at 4x k.
		assert.Equal(t, 200, knn["num_candidates"])
	})

	t.Run("nested", func(t *testing.T) {
		filters := buildFilterClauses(Filters{System: "制动"})
		body := buildKNNBody(knnNested, "text_vector", vector, 10, 200, filters)
		boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
		must := boolQuery["must"].([]map[string]any)
		require.Len(t, must, 1)
		clause := must[0]["knn"].(map[string]any)["text_vector"].(map[string]any)
		assert.Equal(t, 10, clause["k"])
		assert.Equal(t, 200, clause["num_candidates"])
		assert.Len(t, boolQuery["filter"], 1)
	})
}

func TestNeedsNestedKNN(t *testing.T) {
	assert.False(t, needsNestedKNN(nil))
	assert.False(t, needsNestedKNN(fmt.Errorf("connection refused")))
	assert.True(t, needsNestedKNN(fmt.Errorf("remote search returned 400: parsing_exception")))
	assert.True(t, needsNestedKNN(fmt.Errorf("Unknown key for a START_OBJECT in [knn]")))
}
