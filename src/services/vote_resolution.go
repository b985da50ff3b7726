package services

import (
	"context"
	"errors"
	"fmt"

	"circles/src/models"
	"circles/src/storage"
)

// majority is the number of matching ballots that decides a vote.
func majority(quorum int) int {
	return quorum/2 + 1
}

// resolveTally decides the status of an active vote from its live tally.
// Quorum is the governing head-count at the moment of tallying.
func resolveTally(yes, no, quorum int) models.VoteStatus {
	need := majority(quorum)
	switch {
	case yes >= need:
		return models.VotePassed
	case no >= need:
		return models.VoteFailed
	case yes+no >= quorum:
		// Every seat has voted and neither side reached majority.
		return models.VoteFailed
	default:
		return models.VoteActive
	}
}

// applyVoteEffect performs the membership change a passed vote authorizes.
// It runs inside the vote's critical section, so it happens exactly once.
func applyVoteEffect(ctx context.Context, tx storage.VoteTx, vote models.Vote) error {
	var err error
	switch vote.VoteType {
	case models.VoteRemoveMember:
		err = tx.RemoveMembership(ctx, vote.TargetUserID)
	case models.VotePromoteAdmin:
		err = tx.SetRole(ctx, vote.TargetUserID, models.RoleAdmin)
	case models.VoteDemoteAdmin:
		err = tx.SetRole(ctx, vote.TargetUserID, models.RoleMember)
	case models.VoteDeleteCircle:
		// Authorizes a later DeleteCircle call; nothing to change here.
		return nil
	default:
		return fmt.Errorf("no effect defined for vote type %q", vote.VoteType)
	}
	// The target may have left while the vote was open.
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s effect: %w", vote.VoteType, err)
	}
	return nil
}
