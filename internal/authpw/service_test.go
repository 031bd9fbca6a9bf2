package authpw

import (
	"context"
	"errors"
	"testing"

	"mednet/api/internal/store"
)

// mockAccountStore is a mock implementation of AccountStore for testing
type mockAccountStore struct {
	accounts      map[string]store.Account
	emailIndex    map[string]string // email -> accountID
	verifications map[string]string // token -> accountID
	hospitals     map[string]store.Hospital
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{
		accounts:      make(map[string]store.Account),
		emailIndex:    make(map[string]string),
		verifications: make(map[string]string),
		hospitals:     make(map[string]store.Hospital),
	}
}

func (m *mockAccountStore) GetAccountByEmail(ctx context.Context, email string) (store.Account, error) {
	if id, ok := m.emailIndex[email]; ok {
		return m.accounts[id], nil
	}
	return store.Account{}, errors.New("account not found")
}

func (m *mockAccountStore) GetAccountByID(ctx context.Context, id string) (store.Account, error) {
	if account, ok := m.accounts[id]; ok {
		return account, nil
	}
	return store.Account{}, errors.New("account not found")
}

func (m *mockAccountStore) CreateAccount(ctx context.Context, account store.Account) error {
	m.accounts[account.ID] = account
	m.emailIndex[account.Email] = account.ID
	if account.VerificationToken != "" {
		m.verifications[account.VerificationToken] = account.ID
	}
	return nil
}

func (m *mockAccountStore) VerifyAccountEmail(ctx context.Context, token string) error {
	if id, ok := m.verifications[token]; ok {
		account := m.accounts[id]
		account.IsEmailVerified = true
		m.accounts[id] = account
		return nil
	}
	return errors.New("invalid token")
}

func (m *mockAccountStore) CreateHospital(ctx context.Context, hospital store.Hospital) error {
	m.hospitals[hospital.AccountID] = hospital
	return nil
}

func (m *mockAccountStore) GetHospitalByAccountID(ctx context.Context, accountID string) (store.Hospital, error) {
	if hospital, ok := m.hospitals[accountID]; ok {
		return hospital, nil
	}
	return store.Hospital{}, errors.New("hospital not found")
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockAccountStore()
	svc := NewService(mockStore)

	t.Run("successful sign up", func(t *testing.T) {
		resp, err := svc.SignUp(ctx, SignUpRequest{
			Email:        "ops@stanne.example",
			Password:     "password123",
			HospitalName: "St. Anne Medical Center",
			City:         "Porto",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if resp.AccountID == "" || resp.HospitalID == "" {
			t.Errorf("expected ids to be set: %+v", resp)
		}
		if resp.VerificationToken == "" {
			t.Error("expected VerificationToken to be set")
		}
		if !resp.RequiresEmailVerify {
			t.Error("expected RequiresEmailVerify to be true")
		}
		if mockStore.hospitals[resp.AccountID].Name != "St. Anne Medical Center" {
			t.Error("hospital identity not created")
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:        "ops@stanne.example",
			Password:     "password123",
			HospitalName: "Another",
		})
		if err == nil {
			t.Error("expected error for duplicate email")
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:        "ops2@stanne.example",
			Password:     "short",
			HospitalName: "St. Anne",
		})
		if err == nil {
			t.Error("expected error for short password")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := svc.SignUp(ctx, SignUpRequest{}); err == nil {
			t.Error("expected error for missing fields")
		}
	})
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockAccountStore()
	svc := NewService(mockStore)

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Email:        "ops@stanne.example",
		Password:     "password123",
		HospitalName: "St. Anne Medical Center",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("verify: %v", err)
	}

	t.Run("successful sign in", func(t *testing.T) {
		signInResp, err := svc.SignIn(ctx, SignInRequest{
			Email:    "ops@stanne.example",
			Password: "password123",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if signInResp.RequiresVerify {
			t.Error("expected RequiresVerify to be false for verified account")
		}
		if signInResp.Hospital.Name != "St. Anne Medical Center" {
			t.Errorf("hospital not resolved: %+v", signInResp.Hospital)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{
			Email:    "ops@stanne.example",
			Password: "wrongpassword",
		}); err == nil {
			t.Error("expected error for wrong password")
		}
	})

	t.Run("non-existent account", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{
			Email:    "nobody@example.com",
			Password: "password123",
		}); err == nil {
			t.Error("expected error for non-existent account")
		}
	})

	t.Run("unverified email", func(t *testing.T) {
		if _, err := svc.SignUp(ctx, SignUpRequest{
			Email:        "unverified@example.com",
			Password:     "password123",
			HospitalName: "General",
		}); err != nil {
			t.Fatalf("sign up: %v", err)
		}

		signInResp, err := svc.SignIn(ctx, SignInRequest{
			Email:    "unverified@example.com",
			Password: "password123",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !signInResp.RequiresVerify {
			t.Error("expected RequiresVerify to be true for unverified account")
		}
	})
}

func TestVerifyEmail(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockAccountStore()
	svc := NewService(mockStore)

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Email:        "ops@stanne.example",
		Password:     "password123",
		HospitalName: "St. Anne",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	t.Run("valid token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		account, _ := mockStore.GetAccountByID(ctx, resp.AccountID)
		if !account.IsEmailVerified {
			t.Error("expected account to be verified")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, "invalid-token"); err == nil {
			t.Error("expected error for invalid token")
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, ""); err == nil {
			t.Error("expected error for empty token")
		}
	})
}
