// Package authpw provides email/password authentication with verification.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mednet/api/internal/store"
	"mednet/api/internal/util"
)

// AccountStore defines the storage interface for auth.
type AccountStore interface {
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	GetAccountByID(ctx context.Context, id string) (store.Account, error)
	CreateAccount(ctx context.Context, account store.Account) error
	VerifyAccountEmail(ctx context.Context, token string) error
	CreateHospital(ctx context.Context, hospital store.Hospital) error
	GetHospitalByAccountID(ctx context.Context, accountID string) (store.Hospital, error)
}

// Service provides email/password authentication.
type Service struct {
	store AccountStore
}

func NewService(accounts AccountStore) *Service {
	return &Service{store: accounts}
}

// SignUpRequest contains sign-up parameters. Every account is created
// together with the hospital identity it messages as.
type SignUpRequest struct {
	Email        string
	Password     string
	HospitalName string
	City         string
}

// SignUpResponse contains sign-up result.
type SignUpResponse struct {
	AccountID           string
	HospitalID          string
	VerificationToken   string
	RequiresEmailVerify bool
}

// SignUp creates a new account and its hospital identity.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.HospitalName = strings.TrimSpace(req.HospitalName)
	if req.Email == "" || req.Password == "" || req.HospitalName == "" {
		return nil, errors.New("email, password, and hospital name are required")
	}
	if len(req.Password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetAccountByEmail(ctx, req.Email); err == nil {
		return nil, errors.New("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	verificationToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	account := store.Account{
		ID:                    util.NewID("acc"),
		Email:                 req.Email,
		PasswordHash:          string(hash),
		Role:                  "clinician",
		IsEmailVerified:       false,
		VerificationToken:     verificationToken,
		VerificationExpiresAt: &expiresAt,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	hospital := store.Hospital{
		ID:        util.NewID("hosp"),
		AccountID: account.ID,
		Name:      req.HospitalName,
		City:      strings.TrimSpace(req.City),
	}
	if err := s.store.CreateHospital(ctx, hospital); err != nil {
		return nil, fmt.Errorf("create hospital: %w", err)
	}

	return &SignUpResponse{
		AccountID:           account.ID,
		HospitalID:          hospital.ID,
		VerificationToken:   verificationToken,
		RequiresEmailVerify: true,
	}, nil
}

// SignInRequest contains sign-in parameters.
type SignInRequest struct {
	Email    string
	Password string
}

// SignInResponse contains sign-in result.
type SignInResponse struct {
	Account        store.Account
	Hospital       store.Hospital
	RequiresVerify bool
}

// SignIn authenticates an account and resolves its hospital identity.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		return nil, errors.New("email and password are required")
	}

	account, err := s.store.GetAccountByEmail(ctx, req.Email)
	if err != nil {
		return nil, errors.New("invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errors.New("invalid email or password")
	}

	if !account.IsEmailVerified {
		return &SignInResponse{Account: account, RequiresVerify: true}, nil
	}

	hospital, err := s.store.GetHospitalByAccountID(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve hospital for account: %w", err)
	}

	return &SignInResponse{Account: account, Hospital: hospital}, nil
}

// VerifyEmail verifies an email address using a token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("verification token required")
	}
	if err := s.store.VerifyAccountEmail(ctx, token); err != nil {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

// generateToken creates a secure random token.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
