// Package classifier maps YAMNet embeddings to a breathing label using a
// pretrained XGBoost model.
package classifier

import (
	"errors"
	"fmt"
	"math"

	"github.com/dmitryikh/leaves"
)

// Class labels, indexed by model output class.
const (
	LabelNormal   = "normal"
	LabelAbnormal = "abnormal"

	ClassNormal   = 0
	ClassAbnormal = 1
)

var labels = [2]string{LabelNormal, LabelAbnormal}

// Prediction is the classifier output for one embedding.
type Prediction struct {
	Class         int
	Label         string
	Probabilities [2]float64
}

// Confidence is the probability of the predicted class.
func (p Prediction) Confidence() float64 {
	return p.Probabilities[p.Class]
}

// Normal returns the probability of the normal class.
func (p Prediction) Normal() float64 { return p.Probabilities[ClassNormal] }

// Abnormal returns the probability of the abnormal class.
func (p Prediction) Abnormal() float64 { return p.Probabilities[ClassAbnormal] }

// Scorer is the subset of a leaves ensemble the classifier needs.
type Scorer interface {
	NFeatures() int
	NOutputGroups() int
	PredictSingle(fvals []float64, nEstimators int) float64
	Predict(fvals []float64, nEstimators int, predictions []float64) error
}

// XGBoost wraps a loaded gradient-boosted ensemble. It is read-only after
// construction and safe for concurrent use.
type XGBoost struct {
	model Scorer
	path  string
}

// LoadXGBoost reads a native XGBoost model file. The logistic/softmax
// transformation is loaded so predictions are probabilities.
func LoadXGBoost(path string) (*XGBoost, error) {
	model, err := leaves.XGEnsembleFromFile(path, true)
	if err != nil {
		return nil, fmt.Errorf("load xgboost model %s: %w", path, err)
	}
	c, err := New(model)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	c.path = path
	return c, nil
}

// New wraps an already loaded scorer.
func New(model Scorer) (*XGBoost, error) {
	if model == nil {
		return nil, errors.New("nil model")
	}
	switch groups := model.NOutputGroups(); groups {
	case 1, 2:
	default:
		return nil, fmt.Errorf("expected a binary model, got %d output groups", groups)
	}
	return &XGBoost{model: model}, nil
}

// NFeatures is the embedding width the model was trained on.
func (c *XGBoost) NFeatures() int {
	return c.model.NFeatures()
}

// Path returns the model file the classifier was loaded from, if any.
func (c *XGBoost) Path() string {
	return c.path
}

// Predict classifies one embedding.
func (c *XGBoost) Predict(features []float64) (Prediction, error) {
	if want := c.model.NFeatures(); len(features) != want {
		return Prediction{}, fmt.Errorf("feature vector has %d values, model expects %d", len(features), want)
	}

	var abnormal float64
	if c.model.NOutputGroups() == 1 {
		abnormal = c.model.PredictSingle(features, 0)
	} else {
		out := make([]float64, 2)
		if err := c.model.Predict(features, 0, out); err != nil {
			return Prediction{}, fmt.Errorf("predict: %w", err)
		}
		sum := out[0] + out[1]
		if sum <= 0 {
			return Prediction{}, fmt.Errorf("model returned degenerate probabilities %v", out)
		}
		abnormal = out[1] / sum
	}

	if math.IsNaN(abnormal) || abnormal < 0 || abnormal > 1 {
		return Prediction{}, fmt.Errorf("model returned invalid probability %v", abnormal)
	}

	return NewPrediction(abnormal), nil
}

// NewPrediction builds a prediction from the abnormal-class probability.
// The label is the argmax class; a tie resolves to normal.
func NewPrediction(abnormal float64) Prediction {
	probs := [2]float64{1 - abnormal, abnormal}
	class := ClassNormal
	if probs[ClassAbnormal] > probs[ClassNormal] {
		class = ClassAbnormal
	}
	return Prediction{
		Class:         class,
		Label:         labels[class],
		Probabilities: probs,
	}
}
