package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/johndauphine/redis-pg-sync/internal/keyproto"
)

// Publisher writes sync entries the same way the upstream writer does.
type Publisher struct {
	cache Cache
	ttl   time.Duration
}

// NewPublisher creates a publisher whose entries expire after ttl (0 = never).
func NewPublisher(c Cache, ttl time.Duration) *Publisher {
	return &Publisher{cache: c, ttl: ttl}
}

// Publish stores payload under the key for (op, table, id). For InsertAutoKey
// an empty id is replaced with a fresh token. It returns the key written.
func (p *Publisher) Publish(ctx context.Context, op keyproto.Operation, table, id string, payload any) (string, error) {
	if op == keyproto.InsertAutoKey && id == "" {
		id = keyproto.NewToken()
	}
	key := keyproto.Encode(op, table, id)
	if _, err := keyproto.Decode(key); err != nil {
		return "", err
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encoding payload for %s: %w", key, err)
		}
		data = encoded
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("payload for %s is not valid JSON", key)
	}

	if err := p.cache.Set(ctx, key, data, p.ttl); err != nil {
		return "", err
	}
	return key, nil
}
