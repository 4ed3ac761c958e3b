package persist

import (
	"context"
	"testing"
)

func TestMemoryRepositoryGetMissingPlayerReturnsNilNil(t *testing.T) {
	repo := NewMemoryRepository()
	p, err := repo.GetPlayerByID(context.Background(), 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil player, got %+v", p)
	}
}

func TestMemoryRepositoryUpsertThenGetRoundTrips(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	in := &Player{ID: 1, CharID: 100, Name: "Lysander", MapID: 4, X: 32768, Y: 32768}
	ok, err := repo.UpsertPlayer(ctx, in)
	if err != nil || !ok {
		t.Fatalf("UpsertPlayer: ok=%v err=%v", ok, err)
	}

	out, err := repo.GetPlayerByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetPlayerByID: %v", err)
	}
	if out == nil || *out != *in {
		t.Fatalf("expected round-tripped player %+v, got %+v", in, out)
	}

	// The returned pointer must not alias internal state.
	out.Name = "Tampered"
	fresh, _ := repo.GetPlayerByID(ctx, 1)
	if fresh.Name != "Lysander" {
		t.Fatal("GetPlayerByID leaked a mutable reference to internal state")
	}
}

func TestMemoryRepositoryUpsertRejectsNameCollision(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if ok, err := repo.UpsertPlayer(ctx, &Player{ID: 1, Name: "Shared"}); err != nil || !ok {
		t.Fatalf("first upsert: ok=%v err=%v", ok, err)
	}

	ok, err := repo.UpsertPlayer(ctx, &Player{ID: 2, Name: "Shared"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected upsert to reject a name already owned by a different id")
	}

	// Re-upserting the original owner under the same name must still succeed.
	if ok, err := repo.UpsertPlayer(ctx, &Player{ID: 1, Name: "Shared", X: 5}); err != nil || !ok {
		t.Fatalf("re-upsert by owner: ok=%v err=%v", ok, err)
	}
}

func TestMemoryRepositoryIsNameAvailable(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	available, err := repo.IsNameAvailable(ctx, "Fresh")
	if err != nil || !available {
		t.Fatalf("expected name available, got available=%v err=%v", available, err)
	}

	if _, err := repo.UpsertPlayer(ctx, &Player{ID: 1, Name: "Fresh"}); err != nil {
		t.Fatalf("UpsertPlayer: %v", err)
	}

	available, err = repo.IsNameAvailable(ctx, "Fresh")
	if err != nil || available {
		t.Fatalf("expected name taken, got available=%v err=%v", available, err)
	}
}
