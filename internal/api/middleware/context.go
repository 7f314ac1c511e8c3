package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/probehub/internal/partition"
)

type contextKey string

const (
	identityKey  contextKey = "identity"
	partitionKey contextKey = "partition"
	adminKey     contextKey = "admin"
	requestKey   contextKey = "request"
)

// requestInfo is filled in by inner middleware so the outer Logger and Recovery can
// attribute a request to its tenant partition.
type requestInfo struct {
	partition partition.Locator
}

func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, requestKey, info), info
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestKey).(*requestInfo)
	return info
}

// SetIdentity stores the caller's normalized identity and partition locator.
func SetIdentity(ctx context.Context, identity string, loc partition.Locator) context.Context {
	if info := requestInfoFrom(ctx); info != nil {
		info.partition = loc
	}
	ctx = context.WithValue(ctx, identityKey, identity)
	return context.WithValue(ctx, partitionKey, loc)
}

func GetIdentity(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(identityKey).(string)
	return id, ok
}

func GetPartition(r *http.Request) (partition.Locator, bool) {
	loc, ok := r.Context().Value(partitionKey).(partition.Locator)
	return loc, ok
}

func setAdmin(ctx context.Context, admin bool) context.Context {
	return context.WithValue(ctx, adminKey, admin)
}

// IsAdmin reports whether the caller is a configured administrator.
func IsAdmin(r *http.Request) bool {
	admin, _ := r.Context().Value(adminKey).(bool)
	return admin
}
