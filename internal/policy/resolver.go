package policy

import (
	"context"
	"errors"

	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"go.uber.org/zap"
)

// Store is a live policy source, such as MongoStore.
type Store interface {
	Get(ctx context.Context, operator string) (*TieredPolicy, error)
}

// Resolver looks an operator up in the store, then in the file policies, then falls
// back to the default policy.
type Resolver struct {
	logger   *zap.Logger
	store    Store
	static   map[string]*TieredPolicy
	fallback *TieredPolicy
}

// NewResolver builds a resolver. store and static may be nil; a nil fallback means
// unknown operators are an error.
func NewResolver(logger *zap.Logger, store Store, static map[string]*TieredPolicy, fallback *TieredPolicy) *Resolver {
	return &Resolver{logger, store, static, fallback}
}

func (r *Resolver) Resolve(ctx context.Context, operator string) (model.FeePolicy, error) {
	if r.store != nil {
		p, err := r.store.Get(ctx, operator)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			r.logger.Warn("Fee policy store lookup failed", zap.String("operator", operator), zap.Error(err))
		}
	}
	if p, ok := r.static[operator]; ok {
		return p, nil
	}
	if r.fallback != nil {
		r.logger.Debug("Default fee policy used", zap.String("operator", operator))
		return r.fallback, nil
	}
	return nil, model.ErrNotFound
}
