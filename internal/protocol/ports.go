package protocol

import (
	"context"

	"paddlearena/gamecore/internal/auth"
	"paddlearena/gamecore/internal/platform"
)

// TokenVerifier resolves an opaque bearer token to a platform identity.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// ProfileDirectory looks up public profile data for admitted players.
type ProfileDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
	CurrentStatus(ctx context.Context, userID string) (platform.UserStatus, error)
}

// ParticipantSource resolves the scheduled players of a tournament match.
type ParticipantSource interface {
	ParticipantsOf(ctx context.Context, matchID string) (platform.Participants, error)
}
