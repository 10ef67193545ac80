package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cbw1985/streamvision/pkg/types"
)

// HashSighting creates a SHA-256 hash of a sighting's identity, used as the
// dedup key that decides whether an object feature vector was already
// upserted to the feature store very recently on the same channel.
func HashSighting(s types.Sighting) string {
	h := sha256.New()
	h.Write([]byte(s.Label))
	for _, v := range s.Embedding {
		h.Write([]byte{byte(uint32(v*1000) >> 8), byte(uint32(v * 1000))})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// CacheKeyForSighting generates a dedup cache key for one sighting.
func CacheKeyForSighting(prefix string, s types.Sighting) string {
	return prefix + ":sighting:" + HashSighting(s)
}

// CacheKeyForQuery generates a cache key for a feature-store query.
func CacheKeyForQuery(prefix string, queryEmbedding []float32, topK int) string {
	h := sha256.New()
	for _, v := range queryEmbedding {
		h.Write([]byte{byte(uint32(v*1000) >> 8), byte(uint32(v * 1000))})
	}
	h.Write([]byte{byte(topK >> 8), byte(topK)})
	hash := hex.EncodeToString(h.Sum(nil))[:16]
	return prefix + ":query:" + hash
}
