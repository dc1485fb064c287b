package embed

import (
	"sync"
)

var (
	defaultOnce     sync.Once
	defaultEmbedder Embedder
	defaultErr      error
)

// New creates an embedder from cfg.
func New(cfg Config) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case "static":
		inner = NewStaticEmbedder()
	default:
		inner = NewOllamaEmbedder(cfg)
	}
	if cfg.CacheSize == 0 {
		return inner, nil
	}
	return NewCachedEmbedder(inner, cfg.CacheSize)
}

// Default returns the process-wide embedder, created lazily on first
// use. Concurrent first callers share one initialization.
func Default(cfg Config) (Embedder, error) {
	defaultOnce.Do(func() {
		defaultEmbedder, defaultErr = New(cfg)
	})
	return defaultEmbedder, defaultErr
}
