package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/precisionprices/market-pricing/pkg/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TrendingRepository manages trending/{geoKey} snapshot documents.
type TrendingRepository struct {
	client *firestore.Client
}

func NewTrendingRepository(client *firestore.Client) *TrendingRepository {
	return &TrendingRepository{client: client}
}

func (r *TrendingRepository) SaveTrending(ctx context.Context, snap model.TrendingSnapshot) error {
	if snap.LastUpdated.IsZero() {
		snap.LastUpdated = time.Now().UTC()
	}
	ref := r.client.Collection("trending").Doc(snap.GeoKey)
	if _, err := ref.Set(ctx, snap); err != nil {
		return fmt.Errorf("save trending %s: %w", snap.GeoKey, err)
	}
	return nil
}

// GetTrending returns nil when no snapshot has been computed for geoKey yet.
func (r *TrendingRepository) GetTrending(ctx context.Context, geoKey string) (*model.TrendingSnapshot, error) {
	ref := r.client.Collection("trending").Doc(geoKey)
	doc, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trending %s: %w", geoKey, err)
	}
	var snap model.TrendingSnapshot
	if err := doc.DataTo(&snap); err != nil {
		return nil, fmt.Errorf("decode trending %s: %w", geoKey, err)
	}
	return &snap, nil
}

// MemoryTrendingRepository keeps snapshots in process memory for non-Firestore backends.
type MemoryTrendingRepository struct {
	mu    sync.RWMutex
	snaps map[string]model.TrendingSnapshot
}

func NewMemoryTrendingRepository() *MemoryTrendingRepository {
	return &MemoryTrendingRepository{snaps: make(map[string]model.TrendingSnapshot)}
}

func (r *MemoryTrendingRepository) SaveTrending(ctx context.Context, snap model.TrendingSnapshot) error {
	if snap.LastUpdated.IsZero() {
		snap.LastUpdated = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[snap.GeoKey] = snap
	return nil
}

func (r *MemoryTrendingRepository) GetTrending(ctx context.Context, geoKey string) (*model.TrendingSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snaps[geoKey]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}
