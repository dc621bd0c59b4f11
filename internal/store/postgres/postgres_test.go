package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if BARKEEP_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("BARKEEP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BARKEEP_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects, migrates and seeds one spirit with a unique id so
// parallel runs do not collide.
func newTestStore(t *testing.T, containers int) (*Store, string) {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewWithDB(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	id := "test-" + uuid.NewString()
	err = s.Seed(ctx, []store.SeedItem{{
		Item:       catalog.Item{ID: id, Name: "Spirit " + id, Category: catalog.CategorySpirits, PriceCents: 800},
		Containers: containers,
	}})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM catalog_items WHERE id = $1`, id)
	})
	return s, id
}

func TestConsumeServings_Postgres(t *testing.T) {
	s, id := newTestStore(t, 2)
	ctx := context.Background()

	c, err := s.ConsumeServings(ctx, id, 18, 17)
	if err != nil {
		t.Fatalf("ConsumeServings: %v", err)
	}
	if c.ContainersDeducted != 1 || c.Containers != 1 || c.PendingServings != 1 {
		t.Fatalf("consumption = %+v, want 1 deducted, 1 left, 1 pending", c)
	}

	_, err = s.ConsumeServings(ctx, id, 40, 17)
	if !errors.Is(err, store.ErrInsufficientInventory) {
		t.Fatalf("err = %v, want ErrInsufficientInventory", err)
	}

	_, err = s.ConsumeServings(ctx, "missing-"+id, 1, 17)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConsumeServings_PostgresConcurrent(t *testing.T) {
	s, id := newTestStore(t, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.ConsumeServings(ctx, id, 1, 1)
		}()
	}
	wg.Wait()

	n, err := s.ContainerCount(ctx, id)
	if err != nil {
		t.Fatalf("ContainerCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestCreateOrder_Postgres(t *testing.T) {
	s, id := newTestStore(t, 1)
	ctx := context.Background()

	o := store.Order{
		ID:        uuid.NewString(),
		Lines:     []store.OrderLine{{ItemID: id, Name: "Spirit", Quantity: 3, UnitPriceCents: 800}},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	o.TotalCents = store.Total(o.Lines)
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.Exec(context.Background(), `DELETE FROM orders WHERE id = $1`, o.ID)
	})

	got, err := s.Order(ctx, o.ID)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got.TotalCents != 2400 || len(got.Lines) != 1 || got.Lines[0].Quantity != 3 {
		t.Fatalf("order = %+v", got)
	}
}
