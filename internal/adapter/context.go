package adapter

import (
	"context"

	"ojforge/pkg/errors"
	"ojforge/pkg/utils/contextkey"
)

// WithUserID stamps the acting user onto ctx. Every adapter call
// requires it; stage executors set it once per problem run.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextkey.UserID, userID)
}

// UserID extracts the acting user from ctx.
func UserID(ctx context.Context) (string, error) {
	if v, ok := ctx.Value(contextkey.UserID).(string); ok && v != "" {
		return v, nil
	}
	return "", errors.Newf(errors.Unauthorized, "adapter call without user context")
}

// CredentialSource hands out a user's decrypted credential bag for one
// adapter. Implementations read persistence on every call so that a
// config update applies to the very next stage execution.
type CredentialSource interface {
	AdapterConfig(ctx context.Context, userID, adapterName string) (map[string]string, error)
}

// Credentials resolves the calling user's config bag for an adapter.
func Credentials(ctx context.Context, src CredentialSource, adapterName string) (map[string]string, error) {
	uid, err := UserID(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := src.AdapterConfig(ctx, uid, adapterName)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = map[string]string{}
	}
	return cfg, nil
}
