package principles

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Engine checks actions against a rule set, caching verdicts when a cache
// is configured.
type Engine struct {
	set   *Set
	cache Cache
}

// NewEngine returns an engine over set. cache may be nil.
func NewEngine(set *Set, cache Cache) *Engine {
	if set == nil {
		set = DefaultSet()
	}
	return &Engine{set: set, cache: cache}
}

func (e *Engine) Set() *Set { return e.set }

// Evaluate returns the verdict for action. Cache failures never change the
// verdict; they are logged and evaluation proceeds uncached.
func (e *Engine) Evaluate(ctx context.Context, action string, params, context map[string]any) Verdict {
	if e.cache == nil {
		return e.set.Check(action, params, context)
	}

	key, err := cacheKey(action, params, context)
	if err != nil {
		log.Debug().Err(err).Str("component", "principles").Str("action", action).Msg("inputs not cacheable")
		return e.set.Check(action, params, context)
	}
	if v, ok, err := e.cache.Get(ctx, key); err != nil {
		log.Warn().Err(err).Str("component", "principles").Msg("verdict cache read failed")
	} else if ok {
		return v
	}

	v := e.set.Check(action, params, context)
	if err := e.cache.Set(ctx, key, v); err != nil {
		log.Warn().Err(err).Str("component", "principles").Msg("verdict cache write failed")
	}
	if !v.Allowed {
		log.Info().Str("component", "principles").Str("action", action).Str("rule", v.Rule).
			Strs("reasons", v.Denials).Msg("action blocked")
	}
	return v
}
