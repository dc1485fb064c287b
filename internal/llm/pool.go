package llm

import (
	"net/http"
	"sync"
)

// Clients are pooled per (base_url, api_key) so every Picker created for
// the same endpoint shares one connection pool. The default transport
// negotiates HTTP/2 when the server supports it.
var (
	poolMu sync.Mutex
	pool   = map[poolKey]*http.Client{}
)

type poolKey struct {
	baseURL string
	apiKey  string
}

func clientFor(baseURL, apiKey string) *http.Client {
	key := poolKey{baseURL: baseURL, apiKey: apiKey}

	poolMu.Lock()
	defer poolMu.Unlock()
	if c, ok := pool[key]; ok {
		return c
	}
	c := &http.Client{}
	pool[key] = c
	return c
}
