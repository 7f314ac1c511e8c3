// Package partition maps tenant identities to isolated storage partitions.
package partition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kiranshivaraju/probehub/internal/config"
)

// ErrPartitionUnavailable is returned when a partition's backing directory cannot be provisioned.
var ErrPartitionUnavailable = errors.New("partition unavailable")

const maxIdentityBytes = 256

// Locator is the deterministic, identity-derived name of a tenant's partition.
type Locator string

func (l Locator) String() string { return string(l) }

var locatorPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+_[0-9a-f]{64}$`)

// Router derives partition locators from tenant identities.
// It is safe for concurrent use.
type Router struct {
	root            string
	salt            []byte
	prefix          string
	defaultIdentity string
}

// NewRouter creates a Router from partition config.
func NewRouter(cfg config.PartitionConfig) *Router {
	def := normalize(cfg.DefaultIdentity)
	if def == "" {
		def = "default_user"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tenant"
	}
	return &Router{
		root:            cfg.Root,
		salt:            []byte(cfg.Salt),
		prefix:          prefix,
		defaultIdentity: def,
	}
}

// Route returns the locator for identity. It never fails: empty or malformed identities
// resolve to the default identity's locator.
func (r *Router) Route(identity string) Locator {
	id, ok := r.Normalize(identity)
	if !ok {
		id = r.defaultIdentity
	}
	h := sha256.New()
	h.Write(r.salt)
	h.Write([]byte(id))
	return Locator(r.prefix + "_" + hex.EncodeToString(h.Sum(nil)))
}

// Normalize returns the canonical form of identity and whether it is usable.
func (r *Router) Normalize(identity string) (string, bool) {
	if len(identity) > maxIdentityBytes || !utf8.ValidString(identity) {
		return "", false
	}
	id := normalize(identity)
	if id == "" {
		return "", false
	}
	for _, c := range id {
		if unicode.IsControl(c) {
			return "", false
		}
	}
	return id, true
}

// DefaultIdentity is the identity used when a caller supplies none.
func (r *Router) DefaultIdentity() string { return r.defaultIdentity }

// Dir returns the directory backing loc.
func (r *Router) Dir(loc Locator) string {
	return filepath.Join(r.root, string(loc))
}

// Ensure creates the partition directory for loc if it does not exist and returns its path.
// Safe to call repeatedly.
func (r *Router) Ensure(ctx context.Context, loc Locator) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPartitionUnavailable, err)
	}
	if !locatorPattern.MatchString(string(loc)) {
		return "", fmt.Errorf("%w: malformed locator %q", ErrPartitionUnavailable, loc)
	}
	dir := r.Dir(loc)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrPartitionUnavailable, loc, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %v", ErrPartitionUnavailable, loc, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrPartitionUnavailable, loc)
	}
	return dir, nil
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
