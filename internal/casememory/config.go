// Package casememory stores summaries of past decisions and finds similar ones
// with a SQLite FTS5 keyword index merged with hashed-embedding cosine search.
package casememory

// Config holds search weights and index sizing.
type Config struct {
	// VectorWeight is the weight of cosine similarity in the merged score (default 0.7).
	VectorWeight float64 `json:"vectorWeight"`
	// KeywordWeight is the weight of the normalized BM25 score (default 0.3).
	KeywordWeight float64 `json:"keywordWeight"`
	// Dims is the embedding width of the hashing embedder (default 256).
	Dims int `json:"dims"`
	// CacheSize is the max number of cached query embeddings (default 128).
	CacheSize int `json:"cacheSize"`
	// ScanLimit caps how many recent cases the vector search scans (default 2000).
	ScanLimit int `json:"scanLimit"`
	// MinSimilarity drops merged hits scoring below it (default 0.05).
	MinSimilarity float64 `json:"minSimilarity"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		Dims:          256,
		CacheSize:     128,
		ScanLimit:     2000,
		MinSimilarity: 0.05,
	}
}

// validate fills zero-value fields with defaults.
func (c *Config) validate() {
	def := DefaultConfig()
	if c.VectorWeight <= 0 && c.KeywordWeight <= 0 {
		c.VectorWeight = def.VectorWeight
		c.KeywordWeight = def.KeywordWeight
	}
	if sum := c.VectorWeight + c.KeywordWeight; sum != 1 {
		c.VectorWeight /= sum
		c.KeywordWeight /= sum
	}
	if c.Dims <= 0 {
		c.Dims = def.Dims
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = def.ScanLimit
	}
	if c.MinSimilarity < 0 {
		c.MinSimilarity = 0
	}
}
