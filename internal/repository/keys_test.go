package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/models"
)

func TestKeys_InsertAndActive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	key, err := store.ActiveKey(ctx, "school-1")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if key != nil {
		t.Fatalf("expected no key for fresh institution, got version %d", key.Version)
	}

	err = store.InsertKey(ctx, &models.MeshKey{
		InstitutionID: "school-1",
		Version:       1,
		KeyMaterial:   "material-v1",
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertKey failed: %v", err)
	}

	key, err = store.ActiveKey(ctx, "school-1")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if key == nil || key.Version != 1 || key.KeyMaterial != "material-v1" {
		t.Fatalf("unexpected active key: %+v", key)
	}
	if key.ExpiresAt != nil {
		t.Error("active key must have nil expiry")
	}
}

func TestKeys_SecondActiveKeyRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, version := range []int{1, 2} {
		err := store.InsertKey(ctx, &models.MeshKey{
			InstitutionID: "school-1",
			Version:       version,
			KeyMaterial:   "material",
			CreatedAt:     time.Now().UTC(),
		})
		if version == 1 && err != nil {
			t.Fatalf("first InsertKey failed: %v", err)
		}
		if version == 2 && err != ErrRotationConflict {
			t.Fatalf("expected ErrRotationConflict for second active key, got %v", err)
		}
	}
}

func TestKeys_Rotate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.InsertKey(ctx, &models.MeshKey{
		InstitutionID: "school-1",
		Version:       1,
		KeyMaterial:   "material-v1",
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertKey failed: %v", err)
	}

	expiresAt := time.Now().UTC().Add(7 * 24 * time.Hour)
	next := &models.MeshKey{
		InstitutionID: "school-1",
		Version:       2,
		KeyMaterial:   "material-v2",
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.Rotate(ctx, "school-1", 1, expiresAt, next); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	active, err := store.ActiveKey(ctx, "school-1")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if active == nil || active.Version != 2 {
		t.Fatalf("expected version 2 active, got %+v", active)
	}

	old, err := store.KeyByVersion(ctx, "school-1", 1)
	if err != nil {
		t.Fatalf("KeyByVersion failed: %v", err)
	}
	if old == nil || old.ExpiresAt == nil {
		t.Fatalf("expected superseded key with expiry, got %+v", old)
	}
}

func TestKeys_RotateStaleVersionConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.InsertKey(ctx, &models.MeshKey{
		InstitutionID: "school-1",
		Version:       1,
		KeyMaterial:   "material-v1",
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertKey failed: %v", err)
	}

	expiresAt := time.Now().UTC().Add(time.Hour)
	if err := store.Rotate(ctx, "school-1", 1, expiresAt, &models.MeshKey{
		InstitutionID: "school-1",
		Version:       2,
		KeyMaterial:   "material-v2",
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	// Rotating from version 1 again must miss the guard: v1 is expired.
	err := store.Rotate(ctx, "school-1", 1, expiresAt, &models.MeshKey{
		InstitutionID: "school-1",
		Version:       2,
		KeyMaterial:   "material-v2-again",
		CreatedAt:     time.Now().UTC(),
	})
	if err != ErrRotationConflict {
		t.Fatalf("expected ErrRotationConflict, got %v", err)
	}

	active, err := store.ActiveKey(ctx, "school-1")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if active == nil || active.Version != 2 || active.KeyMaterial != "material-v2" {
		t.Fatalf("loser must not clobber the winner, got %+v", active)
	}
}

// Rotations and reads race across separate pooled connections here; every
// connection must honor the busy timeout, so lock contention resolves as
// ErrRotationConflict or success, never a raw SQLITE_BUSY error.
func TestKeys_ConcurrentRotateAndRead(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	if err := store.InsertKey(ctx, &models.MeshKey{
		InstitutionID: "school-1",
		Version:       1,
		KeyMaterial:   "material-v1",
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertKey failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			current, err := store.ActiveKey(ctx, "school-1")
			if err != nil {
				errs <- err
				return
			}
			err = store.Rotate(ctx, "school-1", current.Version, time.Now().UTC().Add(time.Hour), &models.MeshKey{
				InstitutionID: "school-1",
				Version:       current.Version + 1,
				KeyMaterial:   "material-next",
				CreatedAt:     time.Now().UTC(),
			})
			if err != nil && err != ErrRotationConflict {
				errs <- err
			}
		}()
	}
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := store.ActiveKey(ctx, "school-1"); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error under contention: %v", err)
	}

	active, err := store.ActiveKey(ctx, "school-1")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if active == nil {
		t.Fatal("expected an active key after concurrent rotations")
	}
}

func TestKeys_InstitutionIsolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, inst := range []string{"school-1", "school-2"} {
		if err := store.InsertKey(ctx, &models.MeshKey{
			InstitutionID: inst,
			Version:       1,
			KeyMaterial:   "material-" + inst,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			t.Fatalf("InsertKey(%s) failed: %v", inst, err)
		}
	}

	key, err := store.ActiveKey(ctx, "school-2")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if key == nil || key.KeyMaterial != "material-school-2" {
		t.Fatalf("unexpected key for school-2: %+v", key)
	}
}
