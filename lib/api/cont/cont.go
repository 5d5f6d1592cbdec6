package cont

import (
	"context"

	"apiseller/entity"
)

type ctxKey string

const apiKeyDataKey ctxKey = "apiKeyData"

// PutKey stores the authenticated API key in the request context.
func PutKey(c context.Context, key *entity.ApiKey) context.Context {
	return context.WithValue(c, apiKeyDataKey, *key)
}

// GetKey returns the authenticated API key, or nil when the request
// did not pass the apikey middleware.
func GetKey(c context.Context) *entity.ApiKey {
	key, ok := c.Value(apiKeyDataKey).(entity.ApiKey)
	if !ok {
		return nil
	}
	return &key
}
