package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file, using system environment variables")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisGetEnv("REDIS_ADDR", "localhost:6379"),
		Password: redisGetEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer client.Close()

	ctx := context.Background()
	ns := redisGetEnv("REDIS_KEY_NAMESPACE", "gateway")

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	step1_api_keys(ctx, client, ns)
	step2_verify(ctx, client, ns)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: go run ./cmd/gateway")
}

func step1_api_keys(ctx context.Context, client *redis.Client, ns string) {
	fmt.Println("\n── Step 1: Seeding API keys ────────────────────")

	// {ns}:auth:{api_key} → owning tenant, TTL 0 (permanent)
	apiKeys := map[string]string{
		"tenant_demo_gateway_key": "tenant_demo",
		"tenant_demo_reefer_key":  "tenant_demo",
		"test_key":                "test_tenant",
	}

	for apiKey, tenantID := range apiKeys {
		key := fmt.Sprintf("%s:auth:%s", ns, apiKey)
		if err := client.Set(ctx, key, tenantID, 0).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-45s → %s\n", key, tenantID)
	}
}

func step2_verify(ctx context.Context, client *redis.Client, ns string) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	var keys []string
	iter := client.Scan(ctx, 0, ns+":auth:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d API keys found in Redis\n", len(keys))

	spot := ns + ":auth:test_key"
	val, err := client.Get(ctx, spot).Result()
	if err != nil {
		log.Fatalf("Spot check failed: %v", err)
	}
	fmt.Printf("  ✓ spot check: %s → %s\n", spot, val)
}

func redisGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
