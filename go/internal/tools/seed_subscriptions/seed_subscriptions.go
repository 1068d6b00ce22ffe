package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/eventrelay/go/internal/dbconfig"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/subscription"
)

// seedFile mirrors the YAML snapshot
type seedFile struct {
	Subscriptions []models.Subscription `yaml:"subscriptions"`
}

func main() {
	path := flag.String("file", "go/internal/assets/subscriptions.yaml", "subscriptions YAML file")
	flag.Parse()
	ctx := context.Background()

	// 1) Load the YAML snapshot
	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read YAML: %v\n", err)
		os.Exit(1)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal YAML: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	clock := clockwork.NewRealClock()
	repo := subscription.NewRepository(pool, clock)

	// 3) Upsert and count
	var (
		total   = len(seed.Subscriptions)
		upserts int
		errs    int
		tenants = make(map[int64]struct{})
	)
	for i := range seed.Subscriptions {
		sub := &seed.Subscriptions[i]
		if sub.EventType == "" || sub.ChannelType == "" {
			fmt.Fprintf(os.Stderr, "subscription %d: event_type and channel_type are required\n", i)
			errs++
			continue
		}
		stored, err := repo.Upsert(ctx, sub)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error upserting subscription %d (%s/%s): %v\n", i, sub.EventType, sub.ChannelType, err)
			errs++
			continue
		}
		upserts++
		tenants[stored.TenantID] = struct{}{}
	}

	// 4) Drop cached lookups for every touched tenant
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		defer client.Close()
		resolver := subscription.NewResolver(repo, subscription.NewRedisCache(client), 0)
		for tenantID := range tenants {
			if err := resolver.RefreshCacheForTenant(ctx, tenantID); err != nil {
				fmt.Fprintf(os.Stderr, "refresh cache for tenant %d: %v\n", tenantID, err)
				errs++
			}
		}
	}

	// 5) Print summary
	fmt.Printf(
		"Subscriptions seed complete: %d total, %d upserted, %d tenants, %d errors\n",
		total, upserts, len(tenants), errs,
	)
	if errs > 0 {
		os.Exit(1)
	}
}
