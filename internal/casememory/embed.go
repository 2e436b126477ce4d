package casememory

import (
	"container/list"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(text string) ([]float64, error)
	Dims() int
}

// HashEmbedder is a bag-of-words feature-hashing embedder. Each token and each
// adjacent token pair is hashed into one of Dims buckets with a signed weight,
// and the result is L2-normalized.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder of the given width.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultConfig().Dims
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dims() int { return h.dims }

func (h *HashEmbedder) Embed(text string) ([]float64, error) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	v := make([]float64, h.dims)
	for i, tok := range tokens {
		h.add(v, tok, 1)
		if i > 0 {
			h.add(v, tokens[i-1]+" "+tok, 0.5)
		}
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return nil, nil
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

func (h *HashEmbedder) add(v []float64, tok string, w float64) {
	sum := blake2b.Sum256([]byte(tok))
	bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(h.dims)
	if sum[8]&1 == 1 {
		w = -w
	}
	v[bucket] += w
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// embeddingCache is a thread-safe LRU of query embeddings.
type embeddingCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key       string
	embedding []float64
}

func newEmbeddingCache(capacity int) *embeddingCache {
	return &embeddingCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *embeddingCache) get(key string) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).embedding
	}
	return nil
}

func (c *embeddingCache) put(key string, embedding []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).embedding = embedding
		return
	}
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*cacheEntry).key)
		}
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, embedding: embedding})
}

func (c *embeddingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// encodeEmbedding serializes a vector as little-endian float64s.
func encodeEmbedding(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float64 {
	n := len(b) / 8
	v := make([]float64, n)
	for i := range n {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

// Cosine returns the cosine similarity of a and b, or 0 for mismatched or zero vectors.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
