package calib

import (
	"encoding/json"
	"os"
)

// Profile is an optional calibration profile loaded from JSON:
//
//	{
//	  "pass_threshold": 0.87,
//	  "gray_low_threshold": 0.66,
//	  "fusion_weights": {
//	    "rerank": 0.5, "cosine": 0.25, "bm25": 0.15,
//	    "kg_prior": 0.05, "popularity": 0.05
//	  }
//	}
//
// Unknown keys are ignored; missing keys leave the corresponding pointer
// nil so callers fall back to defaults.
type Profile struct {
	PassThreshold    *float64 `json:"pass_threshold"`
	GrayLowThreshold *float64 `json:"gray_low_threshold"`
	FusionWeights    *Weights `json:"fusion_weights"`
}

// LoadProfile reads a calibration profile from path. An empty path, a
// missing file, or malformed JSON all yield an empty profile: calibration
// files are advisory and must never prevent startup.
func LoadProfile(path string) Profile {
	if path == "" {
		return Profile{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}
	}
	return p
}
