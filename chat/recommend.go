package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mdobak/go-xerrors"

	"breathing-analysis/utils"
)

// Recommendation sources.
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// Fallback thresholds on the abnormal probability.
const (
	UrgentThreshold   = 0.75
	ModerateThreshold = 0.30
)

const (
	UrgentRecommendation = "Your breathing pattern shows significant irregularities. " +
		"Please consult a healthcare professional soon, and seek immediate care if you " +
		"experience shortness of breath, chest pain or dizziness."
	ModerateRecommendation = "Some irregularities were detected in your breathing. " +
		"Keep monitoring over the next few days and consider talking to a doctor if " +
		"the pattern persists or you develop other symptoms."
	ReassuringRecommendation = "Your breathing sounds normal. Keep up healthy habits " +
		"and check again if you notice any changes."
)

// Generator produces free text from a prompt. *GeminiClient implements it.
type Generator interface {
	GenerateResponse(ctx context.Context, prompt string) (string, error)
}

// Recommendation is the advisory text returned with a prediction.
type Recommendation struct {
	Text   string
	Source string
}

// Recommender phrases advice for an abnormal probability. With a nil
// Generator every call uses the fallback text.
type Recommender struct {
	generator Generator
	timeout   time.Duration
	onResult  func(source string)
}

// NewRecommender creates a recommender. A non-positive timeout disables the
// per-call deadline; the caller's context still applies.
func NewRecommender(generator Generator, timeout time.Duration) *Recommender {
	return &Recommender{generator: generator, timeout: timeout}
}

// OnResult registers a callback invoked with the source of every result.
func (r *Recommender) OnResult(fn func(source string)) {
	r.onResult = fn
}

// Recommend never fails: generator errors are logged and replaced with
// FallbackRecommendation.
func (r *Recommender) Recommend(ctx context.Context, abnormal float64) Recommendation {
	rec := r.recommend(ctx, abnormal)
	if r != nil && r.onResult != nil {
		r.onResult(rec.Source)
	}
	return rec
}

func (r *Recommender) recommend(ctx context.Context, abnormal float64) Recommendation {
	fallback := Recommendation{Text: FallbackRecommendation(abnormal), Source: SourceFallback}
	if r == nil || r.generator == nil {
		return fallback
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	text, err := r.generator.GenerateResponse(ctx, BuildPrompt(abnormal))
	if err == nil {
		text = CleanResponse(text)
		if text != "" {
			return Recommendation{Text: text, Source: SourceLLM}
		}
		err = fmt.Errorf("response was empty after cleanup")
	}

	logger := utils.GetLogger()
	logger.WarnContext(ctx, "recommendation generation failed, using fallback",
		slog.Float64("abnormal", abnormal),
		slog.Any("error", xerrors.New(err)),
	)
	return fallback
}

// FallbackRecommendation selects canned advice by probability bucket.
func FallbackRecommendation(abnormal float64) string {
	switch {
	case abnormal >= UrgentThreshold:
		return UrgentRecommendation
	case abnormal >= ModerateThreshold:
		return ModerateRecommendation
	default:
		return ReassuringRecommendation
	}
}

// BuildPrompt renders the advisory prompt for an abnormal probability.
func BuildPrompt(abnormal float64) string {
	body := fmt.Sprintf(
		"A breathing sound analysis model estimated a %.1f%% probability that the user's "+
			"breathing is abnormal. Write a short, friendly recommendation for the user. "+
			"Use these guidance bands: below 30%% be reassuring; from 30%% to 50%% suggest "+
			"monitoring their breathing; from 50%% to 75%% suggest consulting a doctor; "+
			"75%% or higher advise seeking medical care soon. Do not give a diagnosis.",
		abnormal*100,
	)
	return "prompt starts =  " + body + "   = prompt ends   side note: MAKE IT SHORT just like one paragraph its a chat."
}

// CleanResponse strips markdown emphasis and folds the reply into a single
// paragraph.
func CleanResponse(text string) string {
	text = strings.ReplaceAll(text, "*", "")
	text = strings.ReplaceAll(text, "#", "")
	return strings.Join(strings.Fields(text), " ")
}
