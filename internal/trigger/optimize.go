package trigger

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"signalcartel/internal/templates"
)

// Objective scores a parameter set; higher is better.
type Objective func(params map[string]float64) float64

// Space is the searchable parameter box. Fixed parameters stay at their
// start value.
type Space struct {
	Specs map[string]templates.ParamSpec
}

func (s Space) free() []string {
	keys := make([]string, 0, len(s.Specs))
	for k, p := range s.Specs {
		if !p.Fixed && p.Max > p.Min {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s Space) clamp(params map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(s.Specs))
	for k, p := range s.Specs {
		v, ok := params[k]
		if !ok {
			v = p.Default
		}
		out[k] = p.Clamp(v)
	}
	return out
}

// toUnit maps free params into [0,1]^d.
func (s Space) toUnit(keys []string, params map[string]float64) []float64 {
	out := make([]float64, len(keys))
	for i, k := range keys {
		p := s.Specs[k]
		out[i] = (params[k] - p.Min) / (p.Max - p.Min)
	}
	return out
}

func (s Space) fromUnit(keys []string, unit []float64, base map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(base))
	for k, v := range base {
		out[k] = v
	}
	for i, k := range keys {
		p := s.Specs[k]
		u := math.Max(0, math.Min(1, unit[i]))
		out[k] = p.Min + u*(p.Max-p.Min)
	}
	return s.clamp(out)
}

// Optimizer searches a Space. Results always lie inside the declared bounds.
type Optimizer interface {
	Name() string
	Optimize(ctx context.Context, space Space, start map[string]float64, obj Objective, iterations int, rng *rand.Rand) (map[string]float64, float64)
}

// NewOptimizer resolves a configured method.
func NewOptimizer(method string) (Optimizer, error) {
	switch method {
	case "grid":
		return GridSearch{}, nil
	case "bayesian", "":
		return BayesianSearch{}, nil
	case "genetic":
		return GeneticSearch{}, nil
	case "gradient":
		return GradientAscent{}, nil
	default:
		return nil, fmt.Errorf("unknown optimization method %q", method)
	}
}

type tracker struct {
	space  Space
	obj    Objective
	best   map[string]float64
	bestV  float64
	evals  int
	budget int
}

func newTracker(space Space, obj Objective, start map[string]float64, budget int) *tracker {
	t := &tracker{space: space, obj: obj, bestV: math.Inf(-1), budget: max(budget, 1)}
	t.eval(start)
	return t
}

func (t *tracker) eval(params map[string]float64) float64 {
	p := t.space.clamp(params)
	v := t.obj(p)
	if math.IsNaN(v) {
		v = math.Inf(-1)
	}
	t.evals++
	if v > t.bestV || t.best == nil {
		t.best, t.bestV = p, v
	}
	return v
}

func (t *tracker) exhausted(ctx context.Context) bool {
	return t.evals >= t.budget || ctx.Err() != nil
}

// GridSearch walks an evenly spaced lattice sized to the budget.
type GridSearch struct{}

func (GridSearch) Name() string { return "grid" }

func (GridSearch) Optimize(ctx context.Context, space Space, start map[string]float64, obj Objective, iterations int, _ *rand.Rand) (map[string]float64, float64) {
	t := newTracker(space, obj, start, iterations)
	keys := space.free()
	if len(keys) == 0 {
		return t.best, t.bestV
	}
	points := int(math.Floor(math.Pow(float64(max(iterations, 2)), 1/float64(len(keys)))))
	points = max(points, 2)
	idx := make([]int, len(keys))
	unit := make([]float64, len(keys))
	for !t.exhausted(ctx) {
		for i := range keys {
			unit[i] = float64(idx[i]) / float64(points-1)
		}
		t.eval(space.fromUnit(keys, unit, start))
		// odometer increment
		d := 0
		for d < len(idx) {
			idx[d]++
			if idx[d] < points {
				break
			}
			idx[d] = 0
			d++
		}
		if d == len(idx) {
			break
		}
	}
	return t.best, t.bestV
}

// BayesianSearch fits a kernel-regression surrogate to evaluated points and
// picks the next point by an upper-confidence-bound acquisition over random
// proposals.
type BayesianSearch struct{}

func (BayesianSearch) Name() string { return "bayesian" }

func (BayesianSearch) Optimize(ctx context.Context, space Space, start map[string]float64, obj Objective, iterations int, rng *rand.Rand) (map[string]float64, float64) {
	t := newTracker(space, obj, start, iterations)
	keys := space.free()
	if len(keys) == 0 {
		return t.best, t.bestV
	}
	const (
		initial   = 5
		proposals = 64
		bandwidth = 0.2
		kappa     = 1.5
	)
	var xs [][]float64
	var ys []float64
	xs = append(xs, space.toUnit(keys, t.best))
	ys = append(ys, finiteOr(t.bestV, -1))
	for i := 0; i < initial && !t.exhausted(ctx); i++ {
		u := randomUnit(rng, len(keys))
		xs = append(xs, u)
		ys = append(ys, finiteOr(t.eval(space.fromUnit(keys, u, start)), -1))
	}
	for !t.exhausted(ctx) {
		var bestU []float64
		bestA := math.Inf(-1)
		for p := 0; p < proposals; p++ {
			u := randomUnit(rng, len(keys))
			if p%4 == 0 {
				// local proposal around the incumbent
				u = jitter(rng, space.toUnit(keys, t.best), 0.1)
			}
			mean, weight := surrogate(xs, ys, u, bandwidth)
			a := mean + kappa/math.Sqrt(1+weight)
			if a > bestA {
				bestA, bestU = a, u
			}
		}
		xs = append(xs, bestU)
		ys = append(ys, finiteOr(t.eval(space.fromUnit(keys, bestU, start)), -1))
	}
	return t.best, t.bestV
}

func surrogate(xs [][]float64, ys []float64, u []float64, bw float64) (float64, float64) {
	var wsum, ysum float64
	for i, x := range xs {
		var d2 float64
		for j := range x {
			d := x[j] - u[j]
			d2 += d * d
		}
		w := math.Exp(-d2 / (2 * bw * bw))
		wsum += w
		ysum += w * ys[i]
	}
	if wsum < 1e-12 {
		return 0, 0
	}
	return ysum / wsum, wsum
}

// GeneticSearch evolves a small population with tournament selection, blend
// crossover, gaussian mutation and two elites.
type GeneticSearch struct{}

func (GeneticSearch) Name() string { return "genetic" }

func (GeneticSearch) Optimize(ctx context.Context, space Space, start map[string]float64, obj Objective, iterations int, rng *rand.Rand) (map[string]float64, float64) {
	t := newTracker(space, obj, start, iterations)
	keys := space.free()
	if len(keys) == 0 {
		return t.best, t.bestV
	}
	const (
		popSize  = 10
		elites   = 2
		mutation = 0.1
	)
	type member struct {
		u   []float64
		fit float64
	}
	pop := []member{{u: space.toUnit(keys, t.best), fit: t.bestV}}
	for len(pop) < popSize && !t.exhausted(ctx) {
		u := randomUnit(rng, len(keys))
		pop = append(pop, member{u: u, fit: t.eval(space.fromUnit(keys, u, start))})
	}
	tournament := func() member {
		a, b := pop[rng.Intn(len(pop))], pop[rng.Intn(len(pop))]
		if a.fit >= b.fit {
			return a
		}
		return b
	}
	for !t.exhausted(ctx) {
		sort.Slice(pop, func(i, j int) bool { return pop[i].fit > pop[j].fit })
		next := append([]member(nil), pop[:min(elites, len(pop))]...)
		for len(next) < len(pop) && !t.exhausted(ctx) {
			p1, p2 := tournament(), tournament()
			child := make([]float64, len(keys))
			for i := range child {
				alpha := rng.Float64()
				child[i] = alpha*p1.u[i] + (1-alpha)*p2.u[i]
				if rng.Float64() < 0.3 {
					child[i] += rng.NormFloat64() * mutation
				}
				child[i] = math.Max(0, math.Min(1, child[i]))
			}
			next = append(next, member{u: child, fit: t.eval(space.fromUnit(keys, child, start))})
		}
		pop = next
	}
	return t.best, t.bestV
}

// GradientAscent climbs by central differences in unit space with a step
// that halves whenever a move fails to improve.
type GradientAscent struct{}

func (GradientAscent) Name() string { return "gradient" }

func (GradientAscent) Optimize(ctx context.Context, space Space, start map[string]float64, obj Objective, iterations int, _ *rand.Rand) (map[string]float64, float64) {
	t := newTracker(space, obj, start, iterations)
	keys := space.free()
	if len(keys) == 0 {
		return t.best, t.bestV
	}
	const h = 0.05
	step := 0.2
	cur := space.toUnit(keys, t.best)
	curV := t.bestV
	for !t.exhausted(ctx) && step > 1e-3 {
		grad := make([]float64, len(keys))
		var norm float64
		for i := range keys {
			if t.exhausted(ctx) {
				return t.best, t.bestV
			}
			up := append([]float64(nil), cur...)
			dn := append([]float64(nil), cur...)
			up[i] = math.Min(1, cur[i]+h)
			dn[i] = math.Max(0, cur[i]-h)
			fu := finiteOr(t.eval(space.fromUnit(keys, up, start)), -1e9)
			fd := finiteOr(t.eval(space.fromUnit(keys, dn, start)), -1e9)
			if span := up[i] - dn[i]; span > 0 {
				grad[i] = (fu - fd) / span
			}
			norm += grad[i] * grad[i]
		}
		if norm == 0 || t.exhausted(ctx) {
			break
		}
		norm = math.Sqrt(norm)
		next := make([]float64, len(keys))
		for i := range next {
			next[i] = math.Max(0, math.Min(1, cur[i]+step*grad[i]/norm))
		}
		v := t.eval(space.fromUnit(keys, next, start))
		if v > curV {
			cur, curV = next, v
		} else {
			step /= 2
		}
	}
	return t.best, t.bestV
}

func randomUnit(rng *rand.Rand, d int) []float64 {
	out := make([]float64, d)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out
}

func jitter(rng *rand.Rand, u []float64, scale float64) []float64 {
	out := make([]float64, len(u))
	for i, v := range u {
		out[i] = math.Max(0, math.Min(1, v+rng.NormFloat64()*scale))
	}
	return out
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
