package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voxmux/voxmux/internal/db"
	"github.com/voxmux/voxmux/internal/errors"
)

// Success-rate smoothing and weight nudging. The rate is an exponential
// moving average so one bad recognition can't sink a phrase that has worked
// for months.
const (
	successRateAlpha = 0.2
	weightBoost      = 1.05
	weightDecay      = 0.95
	weightCeiling    = 2.0
	weightFloor      = 0.1
)

// RecordOutcome updates a phrase's learned stats after a terminal resolution
// result and, on success, bumps the owning concept's usage accounting. The
// pipeline calls this off the latency path.
func (s *Store) RecordOutcome(ctx context.Context, phraseID string, success bool) error {
	if err := ctx.Err(); err != nil {
		return errors.NewTimeout(err.Error())
	}

	phrase, err := db.GetPhraseByID(s.db, phraseID)
	if err != nil {
		return err
	}

	outcome := 0.0
	weight := phrase.Weight * weightDecay
	if success {
		outcome = 1.0
		weight = phrase.Weight * weightBoost
	}
	if weight > weightCeiling {
		weight = weightCeiling
	}
	if weight < weightFloor {
		weight = weightFloor
	}
	rate := (1-successRateAlpha)*phrase.SuccessRate + successRateAlpha*outcome

	now := time.Now().Unix()
	if err := db.UpdatePhraseStats(s.db, phraseID, weight, rate, now); err != nil {
		return err
	}

	if success {
		if err := db.TouchConceptUsage(s.db, phrase.ConceptID, now); err != nil {
			return err
		}
	}

	s.log.Debug("phrase outcome recorded",
		zap.String("phrase_id", phraseID),
		zap.Bool("success", success),
		zap.Float64("success_rate", rate),
		zap.Float64("weight", weight),
	)
	return nil
}
