package store

import (
	"fmt"
	"time"

	"github.com/autokb/faultmatch/internal/kb"
)

// KeywordBackend selects the keyword index implementation.
type KeywordBackend string

const (
	// KeywordBackendTFIDF is the default char n-gram TF-IDF backend.
	KeywordBackendTFIDF KeywordBackend = "tfidf"

	// KeywordBackendBleve is the bleve BM25 backend.
	KeywordBackendBleve KeywordBackend = "bleve"
)

// NewKeywordIndex creates a keyword index using the named backend.
// cachePath and dataMod drive cache staleness for the TF-IDF backend;
// the bleve backend persists at cachePath + ".bleve" when non-empty.
func NewKeywordIndex(backend string, cases []*kb.FaultCase, cachePath string, dataMod time.Time) (KeywordIndex, error) {
	switch KeywordBackend(backend) {
	case KeywordBackendTFIDF, "":
		return NewTFIDFIndex(cases, cachePath, dataMod)
	case KeywordBackendBleve:
		path := ""
		if cachePath != "" {
			path = cachePath + ".bleve"
		}
		return NewBleveIndex(cases, path)
	default:
		return nil, fmt.Errorf("unknown keyword backend: %s (valid options: tfidf, bleve)", backend)
	}
}
