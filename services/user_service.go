package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cppla/monascore/chain"
	"github.com/cppla/monascore/models"
	"github.com/cppla/monascore/repository"
)

var (
	ErrValidation           = errors.New("invalid request")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrNotRegisteredOnChain = errors.New("user not registered on chain")
	ErrNotFound             = errors.New("user not found")
)

// referralBonus is credited to the referrer for each new registration.
const referralBonus = 1

// Policy holds the reconciliation choices that are deployment configuration.
type Policy struct {
	// RequireTx makes register, claim and message verify a transaction hash first.
	RequireTx bool
	// ReferralBonus credits the referrer when a new user registers under their code.
	ReferralBonus bool
}

// DefaultPolicy skips tx verification and pays referral bonuses.
func DefaultPolicy() Policy {
	return Policy{RequireTx: false, ReferralBonus: true}
}

// Result is what the mutating operations report back to the client.
type Result struct {
	Points       int64  `json:"points"`
	ReferralCode string `json:"referralCode"`
}

func resultOf(u models.User) Result {
	return Result{Points: u.Points, ReferralCode: u.ReferralCode}
}

// UserService reconciles request intent, chain state and the stored record.
type UserService struct {
	chain  chain.Reader
	store  repository.UserStore
	policy Policy
	logger *zap.Logger
}

// NewUserService creates a new user service
func NewUserService(reader chain.Reader, store repository.UserStore, policy Policy, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{
		chain:  reader,
		store:  store,
		policy: policy,
		logger: logger.Named("users"),
	}
}

// NormalizeAddress trims and lowercases an account identifier.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Register stores a user the first time the chain confirms it. Known addresses
// are answered from the store without touching the chain.
func (s *UserService) Register(ctx context.Context, address, referrer, tx string) (Result, error) {
	address = NormalizeAddress(address)
	if address == "" {
		return Result{}, ErrValidation
	}
	// chain reads run to completion even if the client goes away
	ctx = context.WithoutCancel(ctx)

	if err := s.verifyTx(ctx, address, tx); err != nil {
		return Result{}, err
	}

	existing, found, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return Result{}, err
	}
	if found {
		return resultOf(existing), nil
	}

	user, found, err := s.chain.GetUser(ctx, address)
	if err != nil {
		return Result{}, fmt.Errorf("read chain user %s: %w", address, err)
	}
	if !found {
		return Result{}, ErrNotRegisteredOnChain
	}
	user.Address = address
	if user.Referrer == nil {
		if code := strings.TrimSpace(referrer); code != "" {
			user.Referrer = &code
		}
	}
	if user.MessageHistory == nil {
		user.MessageHistory = models.MessageHistory{}
	}

	created, err := s.store.Add(ctx, user)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("user registered", zap.String("address", address), zap.Int64("points", created.Points))

	if s.policy.ReferralBonus {
		s.creditReferrer(ctx, created)
	}
	return resultOf(created), nil
}

// creditReferrer is best-effort: failures are logged, never returned.
func (s *UserService) creditReferrer(ctx context.Context, user models.User) {
	code := user.ReferrerCode()
	if code == "" || code == user.ReferralCode {
		return
	}
	ref, found, err := s.store.GetByReferralCode(ctx, code)
	if err != nil {
		s.logger.Warn("referrer lookup failed", zap.String("code", code), zap.Error(err))
		return
	}
	if !found || ref.Address == user.Address {
		return
	}
	ref.Points += referralBonus
	if _, err := s.store.Update(ctx, ref); err != nil {
		s.logger.Warn("referral bonus not persisted", zap.String("referrer", ref.Address), zap.Error(err))
		return
	}
	s.logger.Info("referral bonus credited", zap.String("referrer", ref.Address), zap.String("user", user.Address))
}

// Claim refreshes the stored user from the chain after an on-chain claim.
func (s *UserService) Claim(ctx context.Context, address, tx string) (Result, error) {
	return s.sync(ctx, "claim", address, tx)
}

// Message refreshes the stored user from the chain after an on-chain message.
func (s *UserService) Message(ctx context.Context, address, tx string) (Result, error) {
	return s.sync(ctx, "message", address, tx)
}

func (s *UserService) sync(ctx context.Context, op, address, tx string) (Result, error) {
	address = NormalizeAddress(address)
	if address == "" {
		return Result{}, ErrValidation
	}
	ctx = context.WithoutCancel(ctx)

	if err := s.verifyTx(ctx, address, tx); err != nil {
		return Result{}, err
	}

	snapshot, found, err := s.chain.GetUser(ctx, address)
	if err != nil {
		return Result{}, fmt.Errorf("read chain user %s: %w", address, err)
	}
	if !found {
		return Result{}, ErrNotRegisteredOnChain
	}
	snapshot.Address = address

	local, found, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return Result{}, err
	}
	if found {
		snapshot.MessageHistory = MergeHistory(snapshot.MessageHistory, local.MessageHistory)
		// a referrer taken from the register request is never on chain
		if snapshot.Referrer == nil {
			snapshot.Referrer = local.Referrer
		}
	}

	if _, err := s.store.Update(ctx, snapshot); err != nil {
		return Result{}, err
	}
	s.logger.Info("user synced", zap.String("op", op), zap.String("address", address), zap.Int64("points", snapshot.Points))
	return resultOf(snapshot), nil
}

// GetUser returns the stored record as is.
func (s *UserService) GetUser(ctx context.Context, address string) (models.User, error) {
	address = NormalizeAddress(address)
	if address == "" {
		return models.User{}, ErrValidation
	}
	user, found, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return models.User{}, err
	}
	if !found {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (s *UserService) verifyTx(ctx context.Context, address, tx string) error {
	if !s.policy.RequireTx {
		return nil
	}
	tx = strings.TrimSpace(tx)
	if tx == "" {
		return ErrValidation
	}
	ok, err := s.chain.VerifyTx(ctx, address, tx)
	if err != nil {
		return fmt.Errorf("verify tx %s: %w", tx, err)
	}
	if !ok {
		return ErrInvalidTransaction
	}
	return nil
}

// MergeHistory keeps the chain's hash order and carries over the message text
// and timestamp already stored locally for the same hash.
func MergeHistory(chainHistory, local models.MessageHistory) models.MessageHistory {
	known := make(map[string]models.MessageRecord, len(local))
	for _, m := range local {
		known[m.Hash] = m
	}
	merged := make(models.MessageHistory, 0, len(chainHistory))
	for _, m := range chainHistory {
		if prev, ok := known[m.Hash]; ok {
			if m.Message == "" {
				m.Message = prev.Message
			}
			if m.Timestamp == 0 {
				m.Timestamp = prev.Timestamp
			}
		}
		merged = append(merged, m)
	}
	return merged
}
