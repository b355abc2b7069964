// Package authpw verifies page passwords with a salted challenge-response
// exchange so the password itself never crosses the wire.
package authpw

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/challenge"
	"inkwell/api/internal/store"
)

var (
	ErrPageNotFound = errors.New("page not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	DefaultChallengeTTL = 5 * time.Minute
	DefaultAccessTTL    = 24 * time.Hour
)

// PageStore is the persisted side of the authenticator.
type PageStore interface {
	GetProtectedPage(ctx context.Context, pageID string) (store.ProtectedPage, error)
	UpsertProtectedPage(ctx context.Context, page store.ProtectedPage) error
}

// Service issues and verifies page password challenges.
type Service struct {
	pages        PageStore
	challenges   challenge.Store
	tokenSecret  []byte
	challengeTTL time.Duration
	accessTTL    time.Duration
	now          func() time.Time
}

type Options struct {
	ChallengeTTL time.Duration
	AccessTTL    time.Duration
}

// NewService creates a Service. Zero TTLs in opts take the defaults.
func NewService(pages PageStore, challenges challenge.Store, tokenSecret string, opts Options) *Service {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = DefaultChallengeTTL
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	return &Service{
		pages:        pages,
		challenges:   challenges,
		tokenSecret:  []byte(tokenSecret),
		challengeTTL: opts.ChallengeTTL,
		accessTTL:    opts.AccessTTL,
		now:          time.Now,
	}
}

type ChallengeResponse struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

// IssueChallenge hands out a fresh challenge together with the page salt so
// the client can derive H(salt+password) locally.
func (s *Service) IssueChallenge(ctx context.Context, pageID string) (ChallengeResponse, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return ChallengeResponse{}, fmt.Errorf("%w: pageId is required", ErrInvalidInput)
	}

	page, err := s.lookupPage(ctx, pageID)
	if err != nil {
		return ChallengeResponse{}, err
	}

	value, err := generateToken()
	if err != nil {
		return ChallengeResponse{}, fmt.Errorf("generate challenge: %w", err)
	}

	now := s.now().UTC()
	rec := challenge.Record{
		PageID:    page.PageID,
		Salt:      page.Salt,
		CreatedAt: now,
		ExpiresAt: now.Add(s.challengeTTL),
	}
	if err := s.challenges.Save(ctx, challenge.Key(page.PageID, value), rec, s.challengeTTL); err != nil {
		return ChallengeResponse{}, fmt.Errorf("store challenge: %w", err)
	}

	return ChallengeResponse{Challenge: value, Salt: page.Salt}, nil
}

// Verify checks clientHash against H(challenge + passwordHash) and, on a
// match, consumes the challenge and returns a signed access token. A wrong
// hash leaves the challenge usable until it expires.
func (s *Service) Verify(ctx context.Context, pageID, challengeValue, clientHash string) (string, error) {
	pageID = strings.TrimSpace(pageID)
	challengeValue = strings.TrimSpace(challengeValue)
	clientHash = strings.ToLower(strings.TrimSpace(clientHash))
	if pageID == "" || challengeValue == "" || clientHash == "" {
		return "", fmt.Errorf("%w: pageId, challenge and hash are required", ErrInvalidInput)
	}

	page, err := s.lookupPage(ctx, pageID)
	if err != nil {
		return "", err
	}

	key := challenge.Key(page.PageID, challengeValue)
	rec, err := s.challenges.Get(ctx, key)
	if errors.Is(err, challenge.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown or expired challenge", ErrUnauthorized)
	}
	if err != nil {
		return "", fmt.Errorf("load challenge: %w", err)
	}

	if !rec.ExpiresAt.IsZero() && s.now().After(rec.ExpiresAt) {
		if err := s.challenges.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("page_id", page.PageID).Msg("failed to drop expired challenge")
		}
		return "", fmt.Errorf("%w: challenge expired", ErrUnauthorized)
	}

	expected := Hash(challengeValue, page.PasswordHash)
	if subtle.ConstantTimeCompare([]byte(clientHash), []byte(expected)) != 1 {
		return "", fmt.Errorf("%w: incorrect password", ErrUnauthorized)
	}

	won, err := s.challenges.Consume(ctx, key)
	if err != nil {
		return "", fmt.Errorf("consume challenge: %w", err)
	}
	if !won {
		return "", fmt.Errorf("%w: challenge already used", ErrUnauthorized)
	}

	token, err := auth.IssueToken(s.tokenSecret, page.PageID, s.accessTTL, s.now())
	if err != nil {
		return "", err
	}
	log.Info().Str("page_id", page.PageID).Msg("page access granted")
	return token, nil
}

// ProvisionPage creates or replaces a protected page with a new salt.
func (s *Service) ProvisionPage(ctx context.Context, pageID, pageName, password string) (store.ProtectedPage, error) {
	pageID = strings.TrimSpace(pageID)
	pageName = strings.TrimSpace(pageName)
	if pageID == "" || password == "" {
		return store.ProtectedPage{}, fmt.Errorf("%w: pageId and password are required", ErrInvalidInput)
	}
	if pageName == "" {
		pageName = pageID
	}

	salt, err := generateToken()
	if err != nil {
		return store.ProtectedPage{}, fmt.Errorf("generate salt: %w", err)
	}

	page := store.ProtectedPage{
		PageID:       pageID,
		PageName:     pageName,
		Salt:         salt,
		PasswordHash: Hash(salt, password),
	}
	if err := s.pages.UpsertProtectedPage(ctx, page); err != nil {
		return store.ProtectedPage{}, err
	}
	return page, nil
}

// Authorized reports whether token grants access to pageID.
func (s *Service) Authorized(token, pageID string) bool {
	return auth.Authorizes(s.tokenSecret, token, pageID)
}

func (s *Service) lookupPage(ctx context.Context, pageID string) (store.ProtectedPage, error) {
	page, err := s.pages.GetProtectedPage(ctx, pageID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ProtectedPage{}, ErrPageNotFound
	}
	if err != nil {
		return store.ProtectedPage{}, fmt.Errorf("load protected page: %w", err)
	}
	return page, nil
}

// Hash is the lowercase hex SHA-256 of the concatenated parts. Clients use
// the same function for H(salt+password) and H(challenge+passwordHash).
func Hash(parts ...string) string {
	sum := sha256.New()
	for _, part := range parts {
		_, _ = sum.Write([]byte(part))
	}
	return hex.EncodeToString(sum.Sum(nil))
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
