package cache

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FingerprintLength is the length of a rendered fingerprint (hex md5).
const FingerprintLength = 32

// Key identifies a cached response.
type Key struct {
	// URI is the full request URI (domain + endpoint), without query string
	URI string

	// Fingerprint is the digest of the request parameters
	Fingerprint string
}

// NewKey builds the key for a request URI and its parameters.
func NewKey(uri string, params map[string]any) Key {
	return Key{
		URI:         uri,
		Fingerprint: Fingerprint(params),
	}
}

// String generates the storage key string.
// Format: cache:<uri>:<fingerprint>
//
// Example:
//
//	cache:https://api.example.com/items:0cc175b9c0f1b6a831c399e269772661
func (k Key) String() string {
	return "cache:" + k.URI + ":" + k.Fingerprint
}

// Fingerprint returns a stable digest of params as 32 lowercase hex characters.
//
// A nil or empty map hashes the empty string. Otherwise params are encoded
// as JSON with object keys sorted at every depth, so insertion order never
// changes the result.
func Fingerprint(params map[string]any) string {
	sum := md5.Sum([]byte(canonicalParams(params)))
	return hex.EncodeToString(sum[:])
}

// canonicalParams renders params in their canonical string form.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err == nil {
		return strings.TrimSuffix(buf.String(), "\n")
	}

	// Values json cannot encode (funcs, channels, NaN) still need a stable form.
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%q:%v", key, params[key]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
