package repository_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/precisionprices/market-pricing/internal/platform/sqldb"
	"github.com/precisionprices/market-pricing/internal/repository"
	"github.com/precisionprices/market-pricing/internal/repository/storetest"
	"github.com/redis/go-redis/v9"
)

func TestMemoryMarketRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T, recentCap int) storetest.Store {
		return repository.NewMemoryMarketRepository(recentCap)
	})
}

func TestSQLiteMarketRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T, recentCap int) storetest.Store {
		ctx := context.Background()
		db, err := sqldb.Open(ctx, sqldb.DriverSQLite, filepath.Join(t.TempDir(), "market.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })

		repo := repository.NewSQLMarketRepository(db, sqldb.DriverSQLite, recentCap)
		if err := repo.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		return repo
	})
}

func TestSQLiteEnsureSchemaIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.DriverSQLite, filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	repo := repository.NewSQLMarketRepository(db, sqldb.DriverSQLite, 10)
	for i := 0; i < 2; i++ {
		if err := repo.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema pass %d: %v", i, err)
		}
	}
}

func TestPostgresMarketRepository(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	storetest.Run(t, func(t *testing.T, recentCap int) storetest.Store {
		ctx := context.Background()
		db, err := sqldb.Open(ctx, sqldb.DriverPostgres, dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })

		repo := repository.NewSQLMarketRepository(db, sqldb.DriverPostgres, recentCap)
		if err := repo.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		for _, stmt := range []string{`DELETE FROM recent_sales`, `DELETE FROM market_aggregates`} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				t.Fatalf("reset tables: %v", err)
			}
		}
		return repo
	})
}

func TestFirestoreMarketRepository(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "demo-market-pricing")
	if err != nil {
		t.Fatalf("firestore client: %v", err)
	}
	defer client.Close()

	storetest.Run(t, func(t *testing.T, recentCap int) storetest.Store {
		return repository.NewMarketRepository(client, recentCap).WithCollection("marketData_" + uuid.NewString())
	})
}

func TestRedisMarketRepository(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}

	storetest.Run(t, func(t *testing.T, recentCap int) storetest.Store {
		return repository.NewRedisMarketRepository(client, "test-"+uuid.NewString(), recentCap)
	})
}

func TestClampRecentSalesCap(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 10},
		{-3, 10},
		{1, 5},
		{5, 5},
		{7, 7},
		{10, 10},
		{50, 10},
	}
	for _, tt := range tests {
		if got := repository.ClampRecentSalesCap(tt.in); got != tt.want {
			t.Errorf("ClampRecentSalesCap(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeKeyPair(t *testing.T) {
	tests := []struct {
		geo, cat         string
		wantGeo, wantCat string
		wantErr          bool
	}{
		{"78701", "Electronics", "78701", "electronics", false},
		{" Austin, TX ", " Furniture ", "austin-tx", "furniture", false},
		{"national", "toys", "national", "toys", false},
		{"austin-tx", "Home/Garden", "austin-tx", "home-garden", false},
		{"austin-tx", " home  garden ", "austin-tx", "home-garden", false},
		{"", "toys", "", "", true},
		{"texas", "", "", "", true},
	}
	for _, tt := range tests {
		g, c, err := repository.NormalizeKeyPair(tt.geo, tt.cat)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeKeyPair(%q,%q) expected error", tt.geo, tt.cat)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeKeyPair(%q,%q) error: %v", tt.geo, tt.cat, err)
			continue
		}
		if g != tt.wantGeo || c != tt.wantCat {
			t.Errorf("NormalizeKeyPair(%q,%q) = %q,%q want %q,%q", tt.geo, tt.cat, g, c, tt.wantGeo, tt.wantCat)
		}
	}
}

func TestMemoryTrendingRepository(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryTrendingRepository()

	snap, err := repo.GetTrending(ctx, "austin-tx")
	if err != nil || snap != nil {
		t.Fatalf("expected nil snapshot, got %+v err=%v", snap, err)
	}
}
