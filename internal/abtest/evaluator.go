package abtest

import (
	"math"
	"sort"
	"time"

	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
)

// Decision is the outcome of one winner evaluation pass.
type Decision struct {
	Winner string
	// Forced is true when the test window expired without statistical
	// significance and the leading variant was declared by rate alone.
	Forced bool
	// ZScore is the test statistic for the top two variants, zero when
	// the decision was forced or samples were insufficient.
	ZScore float64
}

// Evaluator applies a two-proportion z-test over per-variant delivery
// rates to decide a test winner.
type Evaluator struct {
	minSample int
	minEffect float64
	now       func() time.Time
}

// NewEvaluator creates an evaluator with the configured sample and
// effect-size floors.
func NewEvaluator(cfg config.ABTestConfig) *Evaluator {
	return &Evaluator{
		minSample: cfg.MinSampleSize,
		minEffect: cfg.MinEffect,
		now:       time.Now,
	}
}

// zFor maps a configured confidence level to its two-tailed critical
// value. Unknown levels fall back to 95%.
func zFor(confidence float64) float64 {
	switch confidence {
	case 0.90:
		return 1.645
	case 0.99:
		return 2.576
	default:
		return 1.96
	}
}

// Evaluate inspects the variant stats and returns a decision when one
// can be made. Before the test window closes a winner requires
// statistical significance; once the window expires the leading variant
// wins outright, ties going to the variant declared first.
func (e *Evaluator) Evaluate(spec *domain.ABTestSpec, stats []domain.VariantStats) (*Decision, bool) {
	if spec == nil || !spec.Enabled || spec.Winner != "" || len(stats) < 2 {
		return nil, false
	}

	expired := false
	if spec.FirstDispatchAt != nil && spec.TestDurationHours > 0 {
		deadline := spec.FirstDispatchAt.Add(time.Duration(spec.TestDurationHours) * time.Hour)
		expired = !e.now().Before(deadline)
	}

	ranked := make([]domain.VariantStats, len(stats))
	copy(ranked, stats)
	order := variantOrder(spec)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := deliveryRate(ranked[i]), deliveryRate(ranked[j])
		if ri != rj {
			return ri > rj
		}
		// Equal rates rank in declaration order so forced ties are
		// deterministic.
		return order[ranked[i].Variant] < order[ranked[j].Variant]
	})
	best, second := ranked[0], ranked[1]

	if expired {
		return &Decision{Winner: best.Variant, Forced: true}, true
	}

	if best.SentCount < e.minSample || second.SentCount < e.minSample {
		return nil, false
	}

	p1, p2 := deliveryRate(best), deliveryRate(second)
	if p1-p2 < e.minEffect {
		return nil, false
	}

	z := twoProportionZ(best.DeliveredCount, best.SentCount, second.DeliveredCount, second.SentCount)
	if math.Abs(z) < zFor(spec.ConfidenceLevel) {
		return nil, false
	}

	return &Decision{Winner: best.Variant, ZScore: z}, true
}

func variantOrder(spec *domain.ABTestSpec) map[string]int {
	order := make(map[string]int, len(spec.Variants))
	for i, v := range spec.Variants {
		order[v.Name] = i
	}
	return order
}

func deliveryRate(s domain.VariantStats) float64 {
	if s.SentCount == 0 {
		return 0
	}
	return float64(s.DeliveredCount) / float64(s.SentCount)
}

// twoProportionZ computes the pooled two-proportion z statistic for
// delivered/sent across two variants.
func twoProportionZ(x1, n1, x2, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 0
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	pooled := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0
	}
	return (p1 - p2) / se
}
