package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	return store, &now
}

func TestCacheSetGetFreshAndStale(t *testing.T) {
	store, now := openTestStore(t)

	if err := store.Set("k1", []byte(`{"v":1}`), 10*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	res, err := store.Get("k1", time.Minute)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !res.Hit || res.Stale || !res.Usable(false) {
		t.Fatalf("expected fresh hit, got %+v", res)
	}

	*now = now.Add(30 * time.Second)
	res, err = store.Get("k1", time.Minute)
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if !res.Hit || !res.Stale || res.TooStale {
		t.Fatalf("expected stale within budget, got %+v", res)
	}
	if res.Usable(false) || !res.Usable(true) {
		t.Fatalf("stale entry should only be usable when stale values are allowed")
	}
}

func TestCacheTooStale(t *testing.T) {
	store, now := openTestStore(t)

	if err := store.Set("k2", []byte(`{"v":2}`), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	*now = now.Add(5 * time.Second)
	res, err := store.Get("k2", time.Second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.TooStale || res.Usable(true) {
		t.Fatalf("expected too stale, got %+v", res)
	}
}

func TestCacheJSONRoundTripAndMiss(t *testing.T) {
	store, _ := openTestStore(t)

	type entry struct {
		Amount string `json:"amount"`
	}
	var got entry
	if _, ok, err := store.GetJSON("missing", 0, false, &got); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := store.SetJSON("bal", entry{Amount: "42"}, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	if _, ok, err := store.GetJSON("bal", 0, false, &got); err != nil || !ok || got.Amount != "42" {
		t.Fatalf("unexpected read ok=%v err=%v value=%+v", ok, err, got)
	}
}

func TestCachePruneDropsExpired(t *testing.T) {
	store, now := openTestStore(t)

	if err := store.Set("old", []byte(`1`), time.Second); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Hour)
	if err := store.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	res, err := store.Get("old", -1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hit {
		t.Fatalf("expected expired entry to be pruned")
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 16
	const iterations = 40

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", workerID, i)
				if err := store.Set(key, []byte(`{"ok":true}`), time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d set iter %d: %w", workerID, i, err)
					return
				}
				res, err := store.Get(key, time.Minute)
				if err != nil {
					errCh <- fmt.Errorf("worker %d get iter %d: %w", workerID, i, err)
					return
				}
				if !res.Hit {
					errCh <- fmt.Errorf("worker %d get iter %d: expected hit", workerID, i)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
