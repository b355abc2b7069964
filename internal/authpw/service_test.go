package authpw

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/challenge"
	"inkwell/api/internal/store"
)

type mockPageStore struct {
	mu    sync.Mutex
	pages map[string]store.ProtectedPage
}

func newMockPageStore() *mockPageStore {
	return &mockPageStore{pages: make(map[string]store.ProtectedPage)}
}

func (m *mockPageStore) GetProtectedPage(ctx context.Context, pageID string) (store.ProtectedPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page, ok := m.pages[pageID]; ok {
		return page, nil
	}
	return store.ProtectedPage{}, store.ErrNotFound
}

func (m *mockPageStore) UpsertProtectedPage(ctx context.Context, page store.ProtectedPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page.PageID] = page
	return nil
}

const testSecret = "test-secret"

// newTestService seeds page p1 with salt "abc" and password "secret".
func newTestService(t *testing.T) (*Service, *mockPageStore) {
	t.Helper()
	pages := newMockPageStore()
	pages.pages["p1"] = store.ProtectedPage{
		PageID:       "p1",
		PageName:     "Private",
		Salt:         "abc",
		PasswordHash: Hash("abc", "secret"),
	}
	return NewService(pages, challenge.NewMemoryStore(), testSecret, Options{}), pages
}

func clientHash(resp ChallengeResponse, password string) string {
	return Hash(resp.Challenge, Hash(resp.Salt, password))
}

func TestHashIsLowercaseHexSHA256(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Hash("a", "bc"); got != want {
		t.Fatalf("Hash() = %s, want %s", got, want)
	}
}

func TestChallengeRoundTripSucceedsOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.IssueChallenge(ctx, "p1")
	if err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}
	if resp.Salt != "abc" || len(resp.Challenge) != 64 {
		t.Fatalf("unexpected challenge response: %+v", resp)
	}

	token, err := svc.Verify(ctx, "p1", resp.Challenge, clientHash(resp, "secret"))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	claims, err := auth.ParseToken([]byte(testSecret), token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.PageID != "p1" || !claims.Authorized {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !svc.Authorized(token, "p1") {
		t.Fatal("expected token to authorize p1")
	}

	_, err = svc.Verify(ctx, "p1", resp.Challenge, clientHash(resp, "secret"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected second verify to fail with ErrUnauthorized, got %v", err)
	}
}

func TestVerifyWrongPasswordKeepsChallenge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.IssueChallenge(ctx, "p1")
	if err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}

	_, err = svc.Verify(ctx, "p1", resp.Challenge, clientHash(resp, "wrong"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if _, err := svc.Verify(ctx, "p1", resp.Challenge, clientHash(resp, "secret")); err != nil {
		t.Fatalf("retry with correct password should succeed, got %v", err)
	}
}

func TestVerifyAcceptsUppercaseHash(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, _ := svc.IssueChallenge(ctx, "p1")
	upper := []byte(clientHash(resp, "secret"))
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 'a' + 'A'
		}
	}
	if _, err := svc.Verify(ctx, "p1", resp.Challenge, string(upper)); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyAfterExpiryFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := time.Now().UTC()
	svc.now = func() time.Time { return issued }
	resp, err := svc.IssueChallenge(ctx, "p1")
	if err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}

	svc.now = func() time.Time { return issued.Add(5*time.Minute + time.Second) }
	_, err = svc.Verify(ctx, "p1", resp.Challenge, clientHash(resp, "secret"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after expiry, got %v", err)
	}

	svc.now = func() time.Time { return issued.Add(time.Minute) }
	if _, err := svc.Verify(ctx, "p1", resp.Challenge, clientHash(resp, "secret")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired challenge should have been deleted, got %v", err)
	}
}

func TestIssueChallengeUnknownPage(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.IssueChallenge(context.Background(), "nope"); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
}

func TestVerifyValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Verify(ctx, "p1", "", "hash"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Verify(ctx, "nope", "c", "hash"); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
	if _, err := svc.Verify(ctx, "p1", "never-issued", "hash"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConcurrentVerifyOnlyOneWins(t *testing.T) {
	mr := miniredis.RunT(t)
	redisStore, err := challenge.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer redisStore.Close()

	pages := newMockPageStore()
	pages.pages["p1"] = store.ProtectedPage{PageID: "p1", Salt: "abc", PasswordHash: Hash("abc", "secret")}
	svc := NewService(pages, redisStore, testSecret, Options{})
	ctx := context.Background()

	resp, err := svc.IssueChallenge(ctx, "p1")
	if err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}
	hash := clientHash(resp, "secret")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Verify(ctx, "p1", resp.Challenge, hash); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful verify, got %d", successes)
	}
}

func TestProvisionPage(t *testing.T) {
	svc, pages := newTestService(t)
	ctx := context.Background()

	page, err := svc.ProvisionPage(ctx, "p2", "", "hunter22")
	if err != nil {
		t.Fatalf("ProvisionPage() error = %v", err)
	}
	if page.PageName != "p2" || page.Salt == "" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if stored := pages.pages["p2"]; stored.PasswordHash != Hash(stored.Salt, "hunter22") {
		t.Fatal("stored hash must be H(salt+password)")
	}

	resp, err := svc.IssueChallenge(ctx, "p2")
	if err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}
	if _, err := svc.Verify(ctx, "p2", resp.Challenge, clientHash(resp, "hunter22")); err != nil {
		t.Fatalf("Verify() after provisioning error = %v", err)
	}

	reprovisioned, err := svc.ProvisionPage(ctx, "p2", "Second", "hunter22")
	if err != nil {
		t.Fatalf("re-provision error = %v", err)
	}
	if reprovisioned.Salt == page.Salt {
		t.Fatal("re-provisioning must rotate the salt")
	}

	if _, err := svc.ProvisionPage(ctx, "", "x", "pw"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAdminCredentials(t *testing.T) {
	hash, err := HashAdminPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashAdminPassword() error = %v", err)
	}
	creds := AdminCredentials{User: "admin", PasswordHash: hash}

	if !creds.Check("admin", "correct-horse") {
		t.Fatal("expected valid credentials to pass")
	}
	if creds.Check("admin", "wrong") || creds.Check("root", "correct-horse") {
		t.Fatal("expected invalid credentials to fail")
	}
	if (AdminCredentials{User: "admin"}).Check("admin", "") {
		t.Fatal("empty hash must disable admin access")
	}
	if _, err := HashAdminPassword("short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
}
