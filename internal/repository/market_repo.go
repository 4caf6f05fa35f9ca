package repository

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/precisionprices/market-pricing/pkg/model"
	"github.com/precisionprices/market-pricing/pkg/util"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MarketRepository handles Firestore read/write for market aggregates.
// Documents live at marketData/{geoKey}_{category}.
type MarketRepository struct {
	client     *firestore.Client
	collection string
	recentCap  int
}

func NewMarketRepository(client *firestore.Client, recentCap int) *MarketRepository {
	return &MarketRepository{client: client, collection: marketCollection, recentCap: ClampRecentSalesCap(recentCap)}
}

// WithCollection points the repository at another collection (used by emulator tests).
func (r *MarketRepository) WithCollection(name string) *MarketRepository {
	r.collection = name
	return r
}

func (r *MarketRepository) doc(geoKey, category string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(util.MarketDocID(geoKey, category))
}

// RecordSale applies one sale inside a transaction. Counters use server-side increments
// and min/max/recent sales are computed from the snapshot read in the same transaction,
// so concurrent writers are retried by Firestore instead of overwriting each other.
func (r *MarketRepository) RecordSale(ctx context.Context, geoKey, category string, price float64, daysToSell *float64) error {
	if err := ValidateSale(price, daysToSell); err != nil {
		return err
	}
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return err
	}
	ref := r.doc(g, c)

	err = r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var cur model.MarketAggregate
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("get aggregate: %w", err)
		default:
			if err := snap.DataTo(&cur); err != nil {
				return fmt.Errorf("decode aggregate: %w", err)
			}
		}

		sale := model.RecentSale{
			ID:         uuid.NewString(),
			Price:      price,
			DaysToSell: copyDays(daysToSell),
			SoldAt:     nowUTC(),
		}
		updates := map[string]interface{}{
			"geoKey":         g,
			"category":       c,
			"soldCount":      firestore.Increment(1),
			"totalSoldValue": firestore.Increment(price),
			"priceMin":       *minPtr(cur.PriceMin, price),
			"priceMax":       *maxPtr(cur.PriceMax, price),
			"recentSales":    pushRecentSale(cur.RecentSales, sale, r.recentCap),
			"updatedAt":      firestore.ServerTimestamp,
		}
		if daysToSell != nil {
			updates["totalDaysToSell"] = firestore.Increment(*daysToSell)
			updates["daysReportedCount"] = firestore.Increment(1)
		}
		if cur.ActiveCount > 0 {
			updates["activeCount"] = firestore.Increment(-1)
		} else {
			updates["activeCount"] = 0
		}
		return tx.Set(ref, updates, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("record sale %s/%s: %w", g, c, err)
	}
	return nil
}

// RecordListingCreated lazily creates the aggregate and bumps activeCount in one write.
// Incrementing the other counters by zero materializes them on new documents so
// range queries on soldCount include the row.
func (r *MarketRepository) RecordListingCreated(ctx context.Context, geoKey, category string) error {
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return err
	}
	_, err = r.doc(g, c).Set(ctx, map[string]interface{}{
		"geoKey":            g,
		"category":          c,
		"activeCount":       firestore.Increment(1),
		"soldCount":         firestore.Increment(0),
		"totalSoldValue":    firestore.Increment(0),
		"totalDaysToSell":   firestore.Increment(0),
		"daysReportedCount": firestore.Increment(0),
		"updatedAt":         firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("record listing %s/%s: %w", g, c, err)
	}
	return nil
}

func (r *MarketRepository) Read(ctx context.Context, geoKey, category string) (*model.MarketAggregate, error) {
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return nil, err
	}
	snap, err := r.doc(g, c).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate %s/%s: %w", g, c, err)
	}
	var agg model.MarketAggregate
	if err := snap.DataTo(&agg); err != nil {
		return nil, fmt.Errorf("decode aggregate %s: %w", snap.Ref.ID, err)
	}
	return &agg, nil
}

// SearchByGeo needs a composite index on (geoKey ASC, soldCount DESC).
func (r *MarketRepository) SearchByGeo(ctx context.Context, geoKey string, minSoldCount, limit int) ([]model.MarketAggregate, error) {
	g, _, err := NormalizeKeyPair(geoKey, "-")
	if err != nil {
		return nil, err
	}
	q := r.client.Collection(r.collection).
		Where("geoKey", "==", g).
		Where("soldCount", ">=", minSoldCount).
		OrderBy("soldCount", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()
	var out []model.MarketAggregate
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate aggregates for %s: %w", g, err)
		}
		var agg model.MarketAggregate
		if err := doc.DataTo(&agg); err != nil {
			return nil, fmt.Errorf("decode aggregate %s: %w", doc.Ref.ID, err)
		}
		out = append(out, agg)
	}
	return out, nil
}
