package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// TokenTTL is how long a registration token stays valid.
const TokenTTL = 15 * time.Minute

// TokenService issues and consumes single-use registration tokens.
type TokenService struct {
	store storage.Store
}

func NewTokenService(store storage.Store) *TokenService {
	return &TokenService{store: store}
}

// Create mints a token for a user. The token ID is the bearer credential.
func (s *TokenService) Create(userID, label string) (*types.RegistrationToken, error) {
	now := time.Now()
	token := &types.RegistrationToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Label:     label,
		CreatedAt: now,
		ExpiresAt: now.Add(TokenTTL),
	}
	if err := s.store.CreateToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

// Consume atomically spends a token for a node registration. Returns nil
// when the token is unknown, already used, or expired.
func (s *TokenService) Consume(token, nodeID string) (*types.RegistrationToken, error) {
	return s.store.ConsumeToken(token, nodeID, time.Now())
}

// ListActive returns a user's unspent, unexpired tokens.
func (s *TokenService) ListActive(userID string) ([]*types.RegistrationToken, error) {
	return s.store.ListActiveTokens(userID, time.Now())
}

// PurgeExpired deletes expired tokens and returns how many were removed.
func (s *TokenService) PurgeExpired() (int, error) {
	return s.store.PurgeExpiredTokens(time.Now())
}
