package identity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cowork-app/internal/models"
)

// Service resolves user identities. Tokens are issued elsewhere; this side
// only verifies them. Clients without a token get an ephemeral guest
// identity, minted here and cached client-side across reloads.
type Service struct {
	secret []byte
}

func NewService(secret []byte) *Service {
	return &Service{secret: secret}
}

// FromToken verifies a signed token and returns the durable identity it
// carries.
func (s *Service) FromToken(tokenString string) (models.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return models.User{}, err
	}
	claims, ok := token.Claims.(*jwt.MapClaims)
	if !ok || !token.Valid {
		return models.User{}, fmt.Errorf("invalid token")
	}
	userID, _ := (*claims)["user_id"].(string)
	if userID == "" {
		return models.User{}, fmt.Errorf("missing user id in token")
	}
	displayName, _ := (*claims)["display_name"].(string)
	premium, _ := (*claims)["premium"].(bool)
	return models.User{
		ID:          userID,
		DisplayName: displayName,
		Premium:     premium,
	}, nil
}

// Guest mints an ephemeral identity for an unauthenticated client.
func (s *Service) Guest(displayName string) models.User {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = "Guest"
	}
	return models.User{
		ID:          "guest-" + uuid.NewString(),
		DisplayName: displayName,
		Guest:       true,
	}
}

// Holder carries one connection's resolved identity and doubles as the
// coordinator's readiness signal: operations gate on Current reporting ok.
type Holder struct {
	mu    sync.RWMutex
	user  models.User
	ready bool
}

func NewHolder() *Holder {
	return &Holder{}
}

func (h *Holder) Set(user models.User) {
	h.mu.Lock()
	h.user = user
	h.ready = true
	h.mu.Unlock()
}

func (h *Holder) Current() (models.User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.user, h.ready
}
