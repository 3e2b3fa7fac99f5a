package simulator

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// defaultGainPerMin is the rise per minute while the actuator is on.
	defaultGainPerMin = 0.006
	// defaultDecayPerMin is the fall per minute while it is off.
	defaultDecayPerMin = 0.001
	defaultSeed        = 0.30
)

// Generator keeps a level in [0..1] that rises while the device's actuator
// is on and decays while it is off, plus optional noise.
type Generator struct {
	mu          sync.Mutex
	level       float64
	on          bool
	last        time.Time
	gainPerMin  float64
	decayPerMin float64
	noise       float64
	rnd         *rand.Rand
}

type GeneratorConfig struct {
	Seed        float64 // initial level, 0 uses 0.30
	GainPerMin  float64
	DecayPerMin float64
	Noise       float64 // max absolute jitter added per sample
	RandSeed    uint64
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Seed <= 0 {
		cfg.Seed = defaultSeed
	}
	if cfg.GainPerMin <= 0 {
		cfg.GainPerMin = defaultGainPerMin
	}
	if cfg.DecayPerMin < 0 {
		cfg.DecayPerMin = 0
	} else if cfg.DecayPerMin == 0 {
		cfg.DecayPerMin = defaultDecayPerMin
	}
	return &Generator{
		level:       clamp01(cfg.Seed),
		gainPerMin:  cfg.GainPerMin,
		decayPerMin: cfg.DecayPerMin,
		noise:       math.Abs(cfg.Noise),
		rnd:         rand.New(rand.NewPCG(cfg.RandSeed, cfg.RandSeed^0x9e3779b97f4a7c15)),
	}
}

// SetOn switches the actuator. The level accrued so far is settled first.
func (g *Generator) SetOn(on bool, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	g.on = on
}

func (g *Generator) On() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.on
}

// Next advances to now and returns the level as a percentage with one
// decimal.
func (g *Generator) Next(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	v := g.level
	if g.noise > 0 {
		v = clamp01(v + (g.rnd.Float64()*2-1)*g.noise)
	}
	return math.Round(v*1000) / 10
}

func (g *Generator) advance(now time.Time) {
	if g.last.IsZero() {
		g.last = now
		return
	}
	dtMin := now.Sub(g.last).Minutes()
	if dtMin < 0 {
		dtMin = 0
	}
	if g.on {
		g.level = clamp01(g.level + g.gainPerMin*dtMin)
	} else {
		g.level = clamp01(g.level - g.decayPerMin*dtMin)
	}
	g.last = now
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
