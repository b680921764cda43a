package sim

import "errors"

// ErrMissingEngineCore indicates the loop could not be constructed.
var ErrMissingEngineCore = errors.New("sim: engine core is nil")

// EngineOption configures NewRuntime behaviour.
//
// Options are applied in order; later options override earlier ones.
type EngineOption interface {
	apply(*engineConfig)
}

type engineOptionFunc func(*engineConfig)

func (f engineOptionFunc) apply(cfg *engineConfig) {
	if f != nil {
		f(cfg)
	}
}

type engineConfig struct {
	deps       Deps
	loopConfig LoopConfig
	loopHooks  LoopHooks
}

// WithDeps injects shared infrastructure dependencies used by the engine core
// and loop orchestration.
func WithDeps(deps Deps) EngineOption {
	return engineOptionFunc(func(cfg *engineConfig) {
		cfg.deps = deps
	})
}

// WithLoopConfig overrides the default command queue and tick loop sizing used
// by the engine.
func WithLoopConfig(config LoopConfig) EngineOption {
	return engineOptionFunc(func(cfg *engineConfig) {
		cfg.loopConfig = config
	})
}

// WithLoopHooks supplies custom loop callbacks.
func WithLoopHooks(hooks LoopHooks) EngineOption {
	return engineOptionFunc(func(cfg *engineConfig) {
		cfg.loopHooks = hooks
	})
}

// NewRuntime constructs the authoritative engine and the loop that drives it.
func NewRuntime(engineCfg EngineConfig, opts ...EngineOption) (*Loop, *Engine, error) {
	cfg := engineConfig{loopConfig: DefaultLoopConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(&cfg)
		}
	}

	if engineCfg.TickRate <= 0 {
		engineCfg.TickRate = cfg.loopConfig.TickRate
	}
	engine, err := NewEngine(engineCfg, cfg.deps)
	if err != nil {
		return nil, nil, err
	}
	loop := NewLoop(engine, cfg.loopConfig, cfg.loopHooks)
	if loop == nil {
		return nil, nil, ErrMissingEngineCore
	}
	return loop, engine, nil
}
