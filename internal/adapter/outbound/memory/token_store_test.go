package memory

import (
	"context"
	"testing"
	"time"

	"github.com/datagate-io/datagate/internal/domain/auth"
)

func TestTokenStoreRevokeAndCheck(t *testing.T) {
	store := NewTokenStore(100)
	ctx := context.Background()
	token := "opaque-token-abc123"

	revoked, err := store.IsRevoked(ctx, token)
	if err != nil || revoked {
		t.Fatalf("fresh token reported revoked (err=%v)", err)
	}

	err = store.Revoke(ctx, auth.RevocationRecord{
		ContentHash: auth.ContentHash(token),
		RevokedBy:   "mgmt-console",
		Kind:        auth.TokenKindAccess,
	})
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	revoked, err = store.IsRevoked(ctx, token)
	if err != nil || !revoked {
		t.Errorf("revoked token not detected (revoked=%v err=%v)", revoked, err)
	}

	revoked, _ = store.IsRevoked(ctx, "some-other-token")
	if revoked {
		t.Error("unrelated token reported revoked")
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	now := time.Now()
	clock := &now
	store := NewTokenStore(100, WithTokenClock(func() time.Time { return *clock }))
	ctx := context.Background()
	token := "short-lived-token"

	store.Revoke(ctx, auth.RevocationRecord{ContentHash: auth.ContentHash(token)})

	// Still inside the default 30-day retention.
	later := now.Add(29 * 24 * time.Hour)
	clock = &later
	if revoked, _ := store.IsRevoked(ctx, token); !revoked {
		t.Error("record expired before the 30-day retention window")
	}

	// Past retention the record no longer applies and cleanup drops it.
	past := now.Add(31 * 24 * time.Hour)
	clock = &past
	if revoked, _ := store.IsRevoked(ctx, token); revoked {
		t.Error("expired record still applied")
	}

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d, want 0 after cleanup", store.Len())
	}
}

func TestTokenStoreSizeCapEvictsOldest(t *testing.T) {
	store := NewTokenStore(2)
	ctx := context.Background()

	tokens := []string{"token-1", "token-2", "token-3"}
	for _, tok := range tokens {
		store.Revoke(ctx, auth.RevocationRecord{ContentHash: auth.ContentHash(tok)})
	}

	if store.Len() != 2 {
		t.Fatalf("Len = %d, want cap of 2", store.Len())
	}
	if revoked, _ := store.IsRevoked(ctx, "token-1"); revoked {
		t.Error("oldest record not evicted")
	}
	for _, tok := range tokens[1:] {
		if revoked, _ := store.IsRevoked(ctx, tok); !revoked {
			t.Errorf("recent record %s lost", tok)
		}
	}
}
