// Package errors provides structured error handling for FaultMatch.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (data file, index caches)
//   - 3XX: Network errors (remote search, embedder, reranker, LLM)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and index I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates network-related errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid   = "ERR_101_CONFIG_INVALID"
	ErrCodeZeroWeights     = "ERR_102_ZERO_FUSION_WEIGHTS"
	ErrCodeLLMUnconfigured = "ERR_103_LLM_NOT_CONFIGURED"

	// IO errors (200-299)
	ErrCodeDataNotFound = "ERR_201_DATA_FILE_NOT_FOUND"
	ErrCodeDataCorrupt  = "ERR_202_DATA_FILE_CORRUPT"
	ErrCodeCorruptCache = "ERR_203_CORRUPT_INDEX_CACHE"

	// Network errors (300-399)
	ErrCodeNetworkTimeout  = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeRemoteSearch    = "ERR_302_REMOTE_SEARCH_FAILED"
	ErrCodeEmbedFailed     = "ERR_303_EMBED_FAILED"
	ErrCodeRerankFailed    = "ERR_304_RERANK_FAILED"
	ErrCodeLLMFailed       = "ERR_305_LLM_FAILED"
	ErrCodeLLMParseFailure = "ERR_306_LLM_PARSE_FAILURE"

	// Validation errors (400-499)
	ErrCodeEmptyQuery   = "ERR_401_EMPTY_QUERY"
	ErrCodeInvalidInput = "ERR_402_INVALID_INPUT"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeAllSourcesDown = "ERR_502_ALL_SOURCES_FAILED"
)

// categoryFromCode derives the category from the numeric range in the code.
func categoryFromCode(code string) Category {
	if len(code) < 5 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity. Config and internal errors are fatal;
// network errors degrade the request, not the process.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig, CategoryInternal:
		return SeverityFatal
	case CategoryNetwork:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether operations failing with this code may be retried.
func isRetryableCode(code string) bool {
	return categoryFromCode(code) == CategoryNetwork && code != ErrCodeLLMParseFailure
}
