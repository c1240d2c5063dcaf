package scoring

import "partyquiz-service/internal/domain"

const (
	// BasePoints is the flat award for any correct answer.
	BasePoints = 1000
	// MaxBonus is the additional award for an instant correct answer,
	// decaying linearly to zero across the answer window.
	MaxBonus = 1000
)

// Award computes the points earned for one question. Incorrect answers and
// the no-answer sentinel earn zero. Response times are clamped to the
// question window before the bonus is computed.
func Award(correct bool, responseTimeMs int64) int {
	if !correct {
		return 0
	}
	if responseTimeMs < 0 {
		responseTimeMs = 0
	}
	if responseTimeMs > domain.QuestionTimeMs {
		responseTimeMs = domain.QuestionTimeMs
	}
	bonus := int(float64(MaxBonus) * (1 - float64(responseTimeMs)/float64(domain.QuestionTimeMs)))
	return BasePoints + bonus
}
