// Package kb loads and models the fault-case knowledge base.
package kb

// FaultCase is one record in the knowledge base: an observed vehicle
// fault plus its structured facets.
type FaultCase struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	System      string   `json:"system,omitempty"`
	Part        string   `json:"part,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	VehicleType string   `json:"vehicletype,omitempty"`
	FaultCode   string   `json:"faultcode,omitempty"`
	Popularity  float64  `json:"popularity,omitempty"`

	// Extra preserves upstream payload fields verbatim. The core never
	// interprets them; they ride along into responses.
	Extra map[string]any `json:"-"`
}

// Retrievable reports whether the case can participate in retrieval.
// Cases without text can never match and are skipped at load time.
func (c *FaultCase) Retrievable() bool {
	return c.ID != "" && c.Text != ""
}
