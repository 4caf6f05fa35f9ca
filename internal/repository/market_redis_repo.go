package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/precisionprices/market-pricing/pkg/model"
	"github.com/precisionprices/market-pricing/pkg/util"
	"github.com/redis/go-redis/v9"
)

// recordSaleScript applies a sale to the aggregate hash, recent-sales list and
// per-geo index in one server-side step.
// KEYS: hash, recent list, geo index. ARGV: geoKey, category, price, hasDays, days,
// sale JSON, recent cap, updatedAt (unix nanos).
var recordSaleScript = redis.NewScript(`
local h = KEYS[1]
redis.call('HSETNX', h, 'geoKey', ARGV[1])
redis.call('HSETNX', h, 'category', ARGV[2])
local sold = redis.call('HINCRBY', h, 'soldCount', 1)
redis.call('HINCRBYFLOAT', h, 'totalSoldValue', ARGV[3])
if ARGV[4] == '1' then
  redis.call('HINCRBYFLOAT', h, 'totalDaysToSell', ARGV[5])
  redis.call('HINCRBY', h, 'daysReportedCount', 1)
end
local active = tonumber(redis.call('HGET', h, 'activeCount') or '0')
if active > 0 then
  redis.call('HINCRBY', h, 'activeCount', -1)
else
  redis.call('HSET', h, 'activeCount', 0)
end
local price = tonumber(ARGV[3])
local mn = redis.call('HGET', h, 'priceMin')
if (not mn) or price < tonumber(mn) then
  redis.call('HSET', h, 'priceMin', ARGV[3])
end
local mx = redis.call('HGET', h, 'priceMax')
if (not mx) or price > tonumber(mx) then
  redis.call('HSET', h, 'priceMax', ARGV[3])
end
redis.call('HSET', h, 'updatedAt', ARGV[8])
redis.call('LPUSH', KEYS[2], ARGV[6])
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[7]) - 1)
redis.call('ZADD', KEYS[3], sold, ARGV[2])
return sold
`)

// recordListingScript lazily creates the aggregate hash and bumps activeCount.
// KEYS: hash, geo index. ARGV: geoKey, category, updatedAt (unix nanos).
var recordListingScript = redis.NewScript(`
local h = KEYS[1]
redis.call('HSETNX', h, 'geoKey', ARGV[1])
redis.call('HSETNX', h, 'category', ARGV[2])
redis.call('HSETNX', h, 'soldCount', 0)
local active = redis.call('HINCRBY', h, 'activeCount', 1)
redis.call('HSET', h, 'updatedAt', ARGV[3])
local sold = tonumber(redis.call('HGET', h, 'soldCount'))
redis.call('ZADD', KEYS[2], sold, ARGV[2])
return active
`)

// RedisMarketRepository stores each aggregate as a hash, its recent sales as a
// capped list and a sorted set per geo key ranking categories by soldCount.
// Keys share a {geoKey} hash tag so one script only touches one cluster slot.
type RedisMarketRepository struct {
	client    *redis.Client
	prefix    string
	recentCap int
}

func NewRedisMarketRepository(client *redis.Client, prefix string, recentCap int) *RedisMarketRepository {
	if prefix == "" {
		prefix = "pp"
	}
	return &RedisMarketRepository{client: client, prefix: prefix, recentCap: ClampRecentSalesCap(recentCap)}
}

func (r *RedisMarketRepository) hashKey(geoKey, category string) string {
	return fmt.Sprintf("%s:{%s}:m:%s", r.prefix, geoKey, util.MarketDocID(geoKey, category))
}

func (r *RedisMarketRepository) recentKey(geoKey, category string) string {
	return fmt.Sprintf("%s:{%s}:r:%s", r.prefix, geoKey, util.MarketDocID(geoKey, category))
}

func (r *RedisMarketRepository) indexKey(geoKey string) string {
	return fmt.Sprintf("%s:{%s}:idx", r.prefix, geoKey)
}

func (r *RedisMarketRepository) RecordSale(ctx context.Context, geoKey, category string, price float64, daysToSell *float64) error {
	if err := ValidateSale(price, daysToSell); err != nil {
		return err
	}
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return err
	}

	now := nowUTC()
	sale, err := json.Marshal(model.RecentSale{
		ID:         uuid.NewString(),
		Price:      price,
		DaysToSell: copyDays(daysToSell),
		SoldAt:     now,
	})
	if err != nil {
		return fmt.Errorf("marshal recent sale: %w", err)
	}
	hasDays, days := "0", "0"
	if daysToSell != nil {
		hasDays, days = "1", formatFloat(*daysToSell)
	}

	keys := []string{r.hashKey(g, c), r.recentKey(g, c), r.indexKey(g)}
	args := []interface{}{g, c, formatFloat(price), hasDays, days, string(sale), r.recentCap, now.UnixNano()}
	if err := recordSaleScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("record sale %s/%s: %w", g, c, err)
	}
	return nil
}

func (r *RedisMarketRepository) RecordListingCreated(ctx context.Context, geoKey, category string) error {
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return err
	}
	keys := []string{r.hashKey(g, c), r.indexKey(g)}
	if err := recordListingScript.Run(ctx, r.client, keys, g, c, nowUTC().UnixNano()).Err(); err != nil {
		return fmt.Errorf("record listing %s/%s: %w", g, c, err)
	}
	return nil
}

func (r *RedisMarketRepository) Read(ctx context.Context, geoKey, category string) (*model.MarketAggregate, error) {
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return nil, err
	}
	aggs, err := r.readMany(ctx, g, []string{c})
	if err != nil {
		return nil, err
	}
	if len(aggs) == 0 {
		return nil, nil
	}
	return &aggs[0], nil
}

func (r *RedisMarketRepository) SearchByGeo(ctx context.Context, geoKey string, minSoldCount, limit int) ([]model.MarketAggregate, error) {
	g, _, err := NormalizeKeyPair(geoKey, "-")
	if err != nil {
		return nil, err
	}
	rng := &redis.ZRangeBy{Min: strconv.Itoa(minSoldCount), Max: "+inf"}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	categories, err := r.client.ZRevRangeByScore(ctx, r.indexKey(g), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("search index %s: %w", g, err)
	}
	return r.readMany(ctx, g, categories)
}

// readMany loads several aggregates of one geo key in a single pipeline round trip.
// Missing hashes are skipped.
func (r *RedisMarketRepository) readMany(ctx context.Context, geoKey string, categories []string) ([]model.MarketAggregate, error) {
	if len(categories) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(categories))
	recents := make([]*redis.StringSliceCmd, len(categories))
	for i, c := range categories {
		hashes[i] = pipe.HGetAll(ctx, r.hashKey(geoKey, c))
		recents[i] = pipe.LRange(ctx, r.recentKey(geoKey, c), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read aggregates for %s: %w", geoKey, err)
	}

	out := make([]model.MarketAggregate, 0, len(categories))
	for i := range categories {
		fields, err := hashes[i].Result()
		if err != nil {
			return nil, fmt.Errorf("read aggregate %s/%s: %w", geoKey, categories[i], err)
		}
		if len(fields) == 0 {
			continue
		}
		agg, err := decodeRedisAggregate(fields)
		if err != nil {
			return nil, fmt.Errorf("decode aggregate %s/%s: %w", geoKey, categories[i], err)
		}
		raw, err := recents[i].Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("read recent sales %s/%s: %w", geoKey, categories[i], err)
		}
		for _, item := range raw {
			var s model.RecentSale
			if err := json.Unmarshal([]byte(item), &s); err != nil {
				return nil, fmt.Errorf("decode recent sale: %w", err)
			}
			agg.RecentSales = append(agg.RecentSales, s)
		}
		out = append(out, agg)
	}
	return out, nil
}

func decodeRedisAggregate(fields map[string]string) (model.MarketAggregate, error) {
	agg := model.MarketAggregate{
		GeoKey:   fields["geoKey"],
		Category: fields["category"],
	}
	var err error
	if agg.SoldCount, err = parseIntField(fields, "soldCount"); err != nil {
		return agg, err
	}
	if agg.ActiveCount, err = parseIntField(fields, "activeCount"); err != nil {
		return agg, err
	}
	if agg.DaysReportedCount, err = parseIntField(fields, "daysReportedCount"); err != nil {
		return agg, err
	}
	if agg.TotalSoldValue, err = parseFloatField(fields, "totalSoldValue"); err != nil {
		return agg, err
	}
	if agg.TotalDaysToSell, err = parseFloatField(fields, "totalDaysToSell"); err != nil {
		return agg, err
	}
	if v, ok := fields["priceMin"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return agg, fmt.Errorf("priceMin: %w", err)
		}
		agg.PriceMin = &f
	}
	if v, ok := fields["priceMax"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return agg, fmt.Errorf("priceMax: %w", err)
		}
		agg.PriceMax = &f
	}
	if v, ok := fields["updatedAt"]; ok {
		nanos, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return agg, fmt.Errorf("updatedAt: %w", err)
		}
		agg.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	return agg, nil
}

func parseIntField(fields map[string]string, name string) (int, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func parseFloatField(fields map[string]string, name string) (float64, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
