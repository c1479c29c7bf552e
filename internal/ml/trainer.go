package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"
)

// Example is one labeled training observation.
type Example struct {
	Features []float64 `json:"features"`
	Score    float64   `json:"score"`
	Weight   float64   `json:"weight"`
}

// TrainerConfig controls candidate model fitting. Seed makes training
// deterministic for a given data set.
type TrainerConfig struct {
	Members      int     `yaml:"members"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learningRate"`
	L2           float64 `yaml:"l2"`
	Seed         int64   `yaml:"seed"`
}

func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{Members: 8, Epochs: 200, LearningRate: 0.01, L2: 0.001, Seed: 1}
}

// minTrainingExamples is the floor below which fitting is refused.
const minTrainingExamples = 4

// Train fits a bagged linear ensemble over the examples. Each member
// sees its own bootstrap resample, which gives the ensemble the
// dispersion the predictor turns into a confidence estimate. The
// context bounds training time: cancellation or deadline aborts with
// the context's error and no partial result.
func Train(ctx context.Context, schema string, examples []Example, cfg TrainerConfig) (Params, error) {
	if len(examples) < minTrainingExamples {
		return Params{}, fmt.Errorf("insufficient training data: %d examples, need %d", len(examples), minTrainingExamples)
	}
	if cfg.Members <= 0 || cfg.Epochs <= 0 || cfg.LearningRate <= 0 {
		return Params{}, fmt.Errorf("invalid trainer config: members=%d epochs=%d lr=%f", cfg.Members, cfg.Epochs, cfg.LearningRate)
	}
	dim := len(examples[0].Features)
	for i, ex := range examples {
		if len(ex.Features) != dim {
			return Params{}, fmt.Errorf("example %d has %d features, want %d", i, len(ex.Features), dim)
		}
		if ex.Score < 0 || ex.Score > 100 || math.IsNaN(ex.Score) {
			return Params{}, fmt.Errorf("example %d has score %f outside [0,100]", i, ex.Score)
		}
	}

	means, stds := featureStats(examples, dim)
	params := Params{
		Schema:       schema,
		Members:      make([]Member, cfg.Members),
		FeatureMeans: means,
		FeatureStds:  stds,
	}

	for m := 0; m < cfg.Members; m++ {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(m)))
		sample := bootstrap(examples, rng)

		member, err := fitMember(ctx, sample, params, cfg)
		if err != nil {
			return Params{}, err
		}
		params.Members[m] = member
	}

	params.Importances = computeImportances(params.Members, dim)

	log.Debug().
		Int("examples", len(examples)).
		Int("members", cfg.Members).
		Int("dim", dim).
		Msg("candidate model trained")
	return params, nil
}

func featureStats(examples []Example, dim int) (means, stds []float64) {
	means = make([]float64, dim)
	stds = make([]float64, dim)
	n := float64(len(examples))

	for _, ex := range examples {
		for j, v := range ex.Features {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= n
	}
	for _, ex := range examples {
		for j, v := range ex.Features {
			d := v - means[j]
			stds[j] += d * d
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / n)
	}
	return means, stds
}

func bootstrap(examples []Example, rng *rand.Rand) []Example {
	out := make([]Example, len(examples))
	for i := range out {
		out[i] = examples[rng.Intn(len(examples))]
	}
	return out
}

// fitMember runs weighted SGD on standardized inputs. The context is
// checked each epoch so a training budget can abort mid-fit.
func fitMember(ctx context.Context, sample []Example, p Params, cfg TrainerConfig) (Member, error) {
	dim := len(p.FeatureMeans)
	w := make([]float64, dim)

	var bias, wsum float64
	for _, ex := range sample {
		weight := ex.Weight
		if weight <= 0 {
			weight = 1
		}
		bias += ex.Score * weight
		wsum += weight
	}
	bias /= wsum

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return Member{}, err
		}
		for _, ex := range sample {
			weight := ex.Weight
			if weight <= 0 {
				weight = 1
			}
			z := p.standardize(ex.Features)

			pred := bias
			for j, wj := range w {
				pred += wj * z[j]
			}

			grad := (pred - ex.Score) * weight
			bias -= cfg.LearningRate * grad
			for j := range w {
				w[j] -= cfg.LearningRate * (grad*z[j] + cfg.L2*w[j])
			}
		}
		if math.IsNaN(bias) || math.IsInf(bias, 0) {
			return Member{}, fmt.Errorf("numerical divergence at epoch %d", epoch)
		}
	}

	for _, wj := range w {
		if math.IsNaN(wj) || math.IsInf(wj, 0) {
			return Member{}, fmt.Errorf("numerical divergence in member weights")
		}
	}
	return Member{Weights: w, Bias: bias}, nil
}

// computeImportances averages absolute standardized weights across
// members and normalizes them to sum to 1.
func computeImportances(members []Member, dim int) []float64 {
	imp := make([]float64, dim)
	for _, m := range members {
		for j, wj := range m.Weights {
			imp[j] += math.Abs(wj)
		}
	}
	var total float64
	for _, v := range imp {
		total += v
	}
	if total == 0 {
		return imp
	}
	for j := range imp {
		imp[j] /= total
	}
	return imp
}

// Evaluate scores parameters on a held-out set: metric = 1 - MAE/100,
// so higher is better and a perfect model scores 1.
func Evaluate(p Params, holdout []Example) (float64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	if len(holdout) == 0 {
		return 0, fmt.Errorf("empty holdout set")
	}

	var absErr float64
	for i, ex := range holdout {
		if len(ex.Features) != len(p.FeatureMeans) {
			return 0, fmt.Errorf("holdout example %d has %d features, want %d", i, len(ex.Features), len(p.FeatureMeans))
		}
		absErr += math.Abs(p.score(ex.Features) - ex.Score)
	}
	mae := absErr / float64(len(holdout))
	return 1 - mae/100, nil
}
