package overlord

import (
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/lead"
)

// Heuristic scoring weights. Sources we pay for score higher than bulk
// imports; engagement dominates everything else.
var sourceWeights = map[string]int{
	"web":      30,
	"referral": 45,
	"partner":  40,
	"import":   10,
}

const (
	defaultSourceWeight = 15
	replyWeight         = 20
	maxReplyBonus       = 40
	maxScore            = 100
)

// heuristicScore rates a lead from its source, contact completeness and
// conversation engagement. Deterministic for a given input.
func heuristicScore(l lead.Lead, history []conversation.Message) int {
	score, ok := sourceWeights[l.Source]
	if !ok {
		score = defaultSourceWeight
	}

	if l.Email != "" {
		score += 10
	}
	if l.Phone != "" {
		score += 10
	}
	if l.Name != "" {
		score += 5
	}

	bonus := 0
	for _, m := range history {
		if m.Direction == conversation.DirectionInbound {
			bonus += replyWeight
		}
	}
	if bonus > maxReplyBonus {
		bonus = maxReplyBonus
	}
	score += bonus

	if score > maxScore {
		score = maxScore
	}
	return score
}
