package lock

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/testutil"
)

func TestAcquireFreshResource(t *testing.T) {
	db := testutil.DB(t)
	l, err := Acquire(context.Background(), db, "release-lock", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if l.Holder != "worker-1" {
		t.Errorf("expected holder worker-1, got %s", l.Holder)
	}
}

func TestAcquireHeldByAnotherIsBusy(t *testing.T) {
	db := testutil.DB(t)
	if _, err := Acquire(context.Background(), db, "release-lock", "worker-1", time.Minute); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	_, err := Acquire(context.Background(), db, "release-lock", "worker-2", time.Minute)
	if err == nil {
		t.Fatal("expected second holder to be rejected while lock is live")
	}
}

func TestAcquireReentrantForSameHolder(t *testing.T) {
	db := testutil.DB(t)
	if _, err := Acquire(context.Background(), db, "release-lock", "worker-1", time.Minute); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	if _, err := Acquire(context.Background(), db, "release-lock", "worker-1", time.Minute); err != nil {
		t.Errorf("expected reacquisition by the same holder to succeed, got %v", err)
	}
}

func TestAcquireStealsExpiredLock(t *testing.T) {
	db := testutil.DB(t)
	if _, err := Acquire(context.Background(), db, "release-lock", "worker-1", -time.Minute); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	l, err := Acquire(context.Background(), db, "release-lock", "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("expected to steal expired lock, got error: %v", err)
	}
	if l.Holder != "worker-2" {
		t.Errorf("expected worker-2 to now hold the lock, got %s", l.Holder)
	}
}

func TestReleaseFreesLockForHolder(t *testing.T) {
	db := testutil.DB(t)
	if _, err := Acquire(context.Background(), db, "release-lock", "worker-1", time.Minute); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := Release(context.Background(), db, "release-lock", "worker-1"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, err := Acquire(context.Background(), db, "release-lock", "worker-2", time.Minute); err != nil {
		t.Errorf("expected lock to be free after release, got %v", err)
	}
}

func TestReleaseByNonHolderIsRejected(t *testing.T) {
	db := testutil.DB(t)
	if _, err := Acquire(context.Background(), db, "release-lock", "worker-1", time.Minute); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := Release(context.Background(), db, "release-lock", "worker-2"); err == nil {
		t.Error("expected release by a non-holder to fail")
	}
}
