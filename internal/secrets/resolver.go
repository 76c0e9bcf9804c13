// Package secrets resolves per-workflow secret values. Values are decrypted
// on demand and never cached or written back into execution records.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("secret not found")

// Resolver looks up one secret value for a workflow.
type Resolver interface {
	Resolve(ctx context.Context, workflowID uuid.UUID, key string) (string, error)
}

type SecretStore interface {
	GetSecret(ctx context.Context, workflowID uuid.UUID, key string) (*store.Secret, error)
	PutSecret(ctx context.Context, workflowID uuid.UUID, key, encrypted string) error
}

type StoreResolver struct {
	store  SecretStore
	cipher *Cipher
}

func NewStoreResolver(s SecretStore, c *Cipher) *StoreResolver {
	return &StoreResolver{store: s, cipher: c}
}

func (r *StoreResolver) Resolve(ctx context.Context, workflowID uuid.UUID, key string) (string, error) {
	row, err := r.store.GetSecret(ctx, workflowID, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return r.cipher.Open(row.EncryptedValue)
}

// Put encrypts value and stores it under key, replacing any previous value.
func (r *StoreResolver) Put(ctx context.Context, workflowID uuid.UUID, key, value string) error {
	sealed, err := r.cipher.Seal(value)
	if err != nil {
		return err
	}
	return r.store.PutSecret(ctx, workflowID, key, sealed)
}

// ResolveAll resolves keys in order and stops at the first failure.
func ResolveAll(ctx context.Context, r Resolver, workflowID uuid.UUID, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := r.Resolve(ctx, workflowID, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Static serves fixed values. It backs tests and the validate command.
type Static map[string]string

func (s Static) Resolve(_ context.Context, _ uuid.UUID, key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}
