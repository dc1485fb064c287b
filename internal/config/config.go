// Package config loads process-wide settings for FaultMatch.
//
// Precedence, lowest to highest: built-in defaults, calibration profile
// JSON, YAML config file, environment variables (a .env file is loaded
// first when present). Settings are loaded once at process start and are
// immutable thereafter.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/errors"
)

// Default thresholds and tunables.
const (
	DefaultPassThreshold    = 0.84
	DefaultGrayLowThreshold = 0.65

	DefaultTopKVector   = 50
	DefaultTopKKeyword  = 50
	DefaultTopNReturn   = 3
	DefaultRerankTopK   = 20
	DefaultLLMTopN      = 5
	DefaultRemoteSize   = 10
	DefaultVectorK      = 50
	DefaultSemanticMix  = 0.6
	DefaultRetrieverTTL = 1500 * time.Millisecond
	DefaultRerankTTL    = 500 * time.Millisecond
	DefaultLLMTTL       = 20 * time.Second

	// DefaultPopularityP95 is expm1(5): log1p(pop)/log1p(P95) then equals
	// the upstream corpus scaling log1p(pop)/5.
	defaultPopularityP95Exp = 5.0
)

// HNSW index defaults, sized for dozens of thousands of cases.
const (
	DefaultHNSWM              = 16
	DefaultHNSWEfConstruction = 200
	DefaultHNSWEfSearch       = 64
)

// Settings is the process-wide configuration.
type Settings struct {
	// External collaborators.
	OpenAIAPIBase string `yaml:"openai_api_base"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"`

	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingHost  string `yaml:"embedding_host"`
	RerankerModel  string `yaml:"reranker_model"`
	RerankerHost   string `yaml:"reranker_host"`

	RemoteURL      string `yaml:"remote_url"`
	RemoteIndex    string `yaml:"remote_index"`
	RemoteUsername string `yaml:"remote_username"`
	RemotePassword string `yaml:"remote_password"`

	// Routing thresholds.
	PassThreshold    float64 `yaml:"pass_threshold"`
	GrayLowThreshold float64 `yaml:"gray_low_threshold"`

	// Fusion weights, normalized on load.
	FusionWeights calib.Weights `yaml:"fusion_weights"`

	// PopularityP95 is the popularity normalization constant (tunable;
	// see the calibration profile).
	PopularityP95 float64 `yaml:"popularity_p95"`

	// Persisted artifacts.
	DataFile        string `yaml:"data_file"`
	HNSWIndexPath   string `yaml:"hnsw_index_path"`
	TFIDFCachePath  string `yaml:"tfidf_cache_path"`
	CalibrationPath string `yaml:"score_calibration_path"`

	// KeywordBackend selects the keyword retriever implementation:
	// "tfidf" (default, char n-gram TF-IDF) or "bleve" (BM25).
	KeywordBackend string `yaml:"keyword_backend"`

	// HNSW parameters.
	HNSWM              int `yaml:"hnsw_m"`
	HNSWEfConstruction int `yaml:"hnsw_ef_construction"`
	HNSWEfSearch       int `yaml:"hnsw_ef_search"`

	// Timeouts.
	RetrieverTimeout time.Duration `yaml:"retriever_timeout"`
	RerankerTimeout  time.Duration `yaml:"reranker_timeout"`
	LLMTimeout       time.Duration `yaml:"llm_timeout"`

	// Server.
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// MetricsDBPath is the SQLite file for query telemetry. Empty
	// disables telemetry persistence.
	MetricsDBPath string `yaml:"metrics_db_path"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		OpenAIModel:        "gpt-4o-mini",
		EmbeddingModel:     "bge-m3",
		EmbeddingHost:      "http://localhost:11434",
		RerankerModel:      "bge-reranker-base",
		PassThreshold:      DefaultPassThreshold,
		GrayLowThreshold:   DefaultGrayLowThreshold,
		FusionWeights:      calib.DefaultWeights(),
		PopularityP95:      math.Expm1(defaultPopularityP95Exp),
		DataFile:           "data/cases.jsonl",
		HNSWIndexPath:      "data/hnsw_index.bin",
		TFIDFCachePath:     "data/tfidf_cache.bin",
		KeywordBackend:     "tfidf",
		HNSWM:              DefaultHNSWM,
		HNSWEfConstruction: DefaultHNSWEfConstruction,
		HNSWEfSearch:       DefaultHNSWEfSearch,
		RetrieverTimeout:   DefaultRetrieverTTL,
		RerankerTimeout:    DefaultRerankTTL,
		LLMTimeout:         DefaultLLMTTL,
		ListenAddr:         ":8000",
		LogLevel:           "info",
	}
}

// Load builds Settings from defaults, the optional YAML file at
// configPath, the calibration profile, and environment variables.
func Load(configPath string) (Settings, error) {
	// Best effort: absent .env files are the common case.
	_ = godotenv.Load()

	s := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return s, errors.New(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("cannot read config file %s", configPath), err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, errors.New(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("cannot parse config file %s", configPath), err)
		}
	}

	applyEnv(&s)

	// Calibration profile overrides thresholds and weights unless env
	// already pinned them; env wins, so apply profile before the weight
	// env overrides below.
	profile := calib.LoadProfile(s.CalibrationPath)
	if profile.PassThreshold != nil && os.Getenv("PASS_THRESHOLD") == "" {
		s.PassThreshold = *profile.PassThreshold
	}
	if profile.GrayLowThreshold != nil && os.Getenv("GRAY_LOW_THRESHOLD") == "" {
		s.GrayLowThreshold = *profile.GrayLowThreshold
	}
	if profile.FusionWeights != nil {
		s.FusionWeights = *profile.FusionWeights
	}
	applyWeightEnv(&s.FusionWeights)

	if err := s.validate(); err != nil {
		return s, err
	}
	s.FusionWeights = s.FusionWeights.Normalize()
	return s, nil
}

func (s *Settings) validate() error {
	if s.GrayLowThreshold > s.PassThreshold {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("gray_low_threshold %.3f exceeds pass_threshold %.3f",
				s.GrayLowThreshold, s.PassThreshold), nil)
	}
	if s.FusionWeights.Sum() <= 0 {
		anySet := false
		for _, key := range []string{"RERANK", "COSINE", "BM25", "KG_PRIOR", "POPULARITY"} {
			if os.Getenv("FUSION_"+key+"_WEIGHT") != "" {
				anySet = true
			}
		}
		// All-zero weights from an explicit override is an operator
		// mistake, not something to silently repair.
		if anySet {
			return errors.New(errors.ErrCodeZeroWeights, "fusion weights sum to zero after override", nil)
		}
	}
	return nil
}

// LLMConfigured reports whether the closed-set picker can run.
func (s *Settings) LLMConfigured() bool {
	return s.OpenAIAPIBase != "" && s.OpenAIAPIKey != "" && s.OpenAIModel != ""
}

func applyEnv(s *Settings) {
	setStr := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr(&s.OpenAIAPIBase, "OPENAI_API_BASE")
	setStr(&s.OpenAIAPIKey, "OPENAI_API_KEY")
	setStr(&s.OpenAIModel, "OPENAI_MODEL")
	setStr(&s.EmbeddingModel, "EMBEDDING_MODEL")
	setStr(&s.EmbeddingHost, "EMBEDDING_HOST")
	setStr(&s.RerankerModel, "RERANKER_MODEL")
	setStr(&s.RerankerHost, "RERANKER_HOST")
	setStr(&s.RemoteURL, "OPENSEARCH_URL")
	setStr(&s.RemoteIndex, "OPENSEARCH_INDEX")
	setStr(&s.RemoteUsername, "OPENSEARCH_USERNAME")
	setStr(&s.RemotePassword, "OPENSEARCH_PASSWORD")
	setStr(&s.DataFile, "DATA_FILE")
	setStr(&s.HNSWIndexPath, "HNSW_INDEX_PATH")
	setStr(&s.TFIDFCachePath, "TFIDF_CACHE_PATH")
	setStr(&s.CalibrationPath, "SCORE_CALIBRATION_PATH")
	setStr(&s.KeywordBackend, "KEYWORD_BACKEND")
	setStr(&s.ListenAddr, "LISTEN_ADDR")
	setStr(&s.LogLevel, "LOG_LEVEL")
	setFloat(&s.PassThreshold, "PASS_THRESHOLD")
	setFloat(&s.GrayLowThreshold, "GRAY_LOW_THRESHOLD")
	setFloat(&s.PopularityP95, "POPULARITY_P95")
}

// applyWeightEnv applies FUSION_<SOURCE>_WEIGHT overrides. The mapping is
// re-normalized by the caller so partial overrides keep summing to 1.
func applyWeightEnv(w *calib.Weights) {
	set := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	set(&w.Rerank, "FUSION_RERANK_WEIGHT")
	set(&w.Cosine, "FUSION_COSINE_WEIGHT")
	set(&w.BM25, "FUSION_BM25_WEIGHT")
	set(&w.KGPrior, "FUSION_KG_PRIOR_WEIGHT")
	set(&w.Popularity, "FUSION_POPULARITY_WEIGHT")
}
