package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/precisionprices/market-pricing/internal/platform/config"
	firestoreclient "github.com/precisionprices/market-pricing/internal/platform/firestore"
	"github.com/precisionprices/market-pricing/internal/repository"
	"github.com/precisionprices/market-pricing/pkg/model"
)

func main() {
	geoKey := flag.String("geo", "", "geo key (ZIP, city-state, state or national)")
	category := flag.String("category", "", "category; omit to list the geo key's categories")
	minSold := flag.Int("min-sold", 0, "minimum sold count when listing")
	flag.Parse()
	if *geoKey == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load(".env.local", ".env")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx := context.Background()
	client, source, err := firestoreclient.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create Firestore client: %v", err)
	}
	defer client.Close()
	log.Printf("reading project %s with %s credentials", cfg.FirebaseProjectID, source)

	repo := repository.NewMarketRepository(client, cfg.RecentSalesCap)

	if *category == "" {
		rows, err := repo.SearchByGeo(ctx, *geoKey, *minSold, 0)
		if err != nil {
			log.Fatalf("Failed to search %s: %v", *geoKey, err)
		}
		fmt.Printf("%d categories under %s\n", len(rows), model.CanonicalGeoKey(*geoKey))
		for _, row := range rows {
			fmt.Printf("  %-24s sold=%-5d active=%-5d avg=%.2f\n", row.Category, row.SoldCount, row.ActiveCount, row.AvgSoldPrice())
		}
		return
	}

	agg, err := repo.Read(ctx, *geoKey, *category)
	if err != nil {
		log.Fatalf("Failed to read aggregate: %v", err)
	}
	if agg == nil {
		fmt.Printf("No aggregate for %s/%s\n", *geoKey, *category)
		return
	}
	out, err := json.MarshalIndent(model.Summarize(*agg), "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal: %v", err)
	}
	fmt.Println(string(out))
}
