package provenance

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

type memoKey struct {
	repo, branch, commit string
}

type memoResolver struct {
	next  Resolver
	cache *lru.Cache
}

// Memoize wraps r so that Found outcomes are remembered for the most recent
// size requests. NotFound and Failed outcomes are asked again: a commit
// missing now may be pushed before the next run.
func Memoize(r Resolver, size int) Resolver {
	cache, err := lru.New(size)
	if err != nil {
		panic(errors.WithStack(err).Error())
	}
	return &memoResolver{next: r, cache: cache}
}

func (m *memoResolver) Resolve(ctx context.Context, req Request) Outcome {
	key := memoKey{repo: req.RepoURL, branch: req.Branch, commit: req.Commit}
	if cached, ok := m.cache.Get(key); ok {
		return cached.(Outcome)
	}
	outcome := m.next.Resolve(ctx, req)
	if outcome.Status == Found {
		m.cache.Add(key, outcome)
	}
	return outcome
}
