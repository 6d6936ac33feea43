package job

import (
	"crypto/md5" // #nosec G501 -- content addressing, not security
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HashLen is the number of hex characters kept from the content digest.
const HashLen = 16

// Key identifies a job: the same payload uploaded twice by one owner maps to
// the same key.
type Key struct {
	OwnerID int64
	Hash    string
}

// String renders the key as "{owner}_{hash}", which is also the registry
// snapshot key and the job directory name.
func (k Key) String() string {
	return strconv.FormatInt(k.OwnerID, 10) + "_" + k.Hash
}

// ParseKey parses the String form of a Key.
func ParseKey(s string) (Key, error) {
	owner, hash, ok := strings.Cut(s, "_")
	if !ok || hash == "" {
		return Key{}, fmt.Errorf("invalid job key %q", s)
	}
	id, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid owner in job key %q: %w", s, err)
	}
	if !ValidHash(hash) {
		return Key{}, fmt.Errorf("invalid hash in job key %q", s)
	}
	return Key{OwnerID: id, Hash: hash}, nil
}

// ContentHash derives the job hash from the uploaded bytes.
func ContentHash(payload []byte) string {
	sum := md5.Sum(payload) // #nosec G401
	return hex.EncodeToString(sum[:])[:HashLen]
}

// ValidHash reports whether s looks like a ContentHash result. Hashes end up
// in filesystem paths, so anything else is refused.
func ValidHash(s string) bool {
	if len(s) != HashLen {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
