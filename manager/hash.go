package manager

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"sync"
)

// Hasher produces the user identifiers disclosed to managers. Raw user
// ids never cross the manager wire: managers see a salted md5 of the
// id, stable for the life of the key. Anonymous users stay "0".
type Hasher struct {
	key string

	mu    sync.Mutex
	cache map[uint64]string
}

func NewHasher(key string) *Hasher {
	return &Hasher{key: key, cache: make(map[uint64]string)}
}

// Hash returns the hashed form of a user id, memoized.
func (h *Hasher) Hash(uID uint64) string {
	if uID == 0 {
		return "0"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.cache[uID]; ok {
		return v
	}
	sum := md5.Sum([]byte(strconv.FormatUint(uID, 10) + h.key))
	v := hex.EncodeToString(sum[:])
	h.cache[uID] = v
	return v
}

// Reverse maps a hashed id back to the raw user id, when this process
// produced the hash. Returns 0, false otherwise.
func (h *Hasher) Reverse(hash string) (uint64, bool) {
	if hash == "0" {
		return 0, true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for uID, v := range h.cache {
		if v == hash {
			return uID, true
		}
	}
	return 0, false
}
