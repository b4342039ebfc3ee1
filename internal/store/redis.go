package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fleet-monitor/gateway/internal/config"
	"fleet-monitor/gateway/internal/domain"
)

const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type RedisStore struct {
	client   *redis.Client
	ns       string
	stateTTL time.Duration
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.RedisKeyNamespace, time.Duration(cfg.LiveStateTTLSecs)*time.Second), nil
}

func NewRedisStoreWithClient(client *redis.Client, namespace string, stateTTL time.Duration) *RedisStore {
	if namespace == "" {
		namespace = "gateway"
	}
	if stateTTL <= 0 {
		stateTTL = 5 * time.Minute
	}
	return &RedisStore{client: client, ns: namespace, stateTTL: stateTTL}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) key(format string, args ...any) string {
	return r.ns + ":" + fmt.Sprintf(format, args...)
}

// PutLiveState writes the vehicle hash, its tenant geo index entry and a
// telemetry publish in one pipeline.
func (r *RedisStore) PutLiveState(ctx context.Context, st *domain.LiveState) error {
	ev := st.Event
	stateData := map[string]interface{}{
		"device_id":   st.DeviceID,
		"vehicle_id":  st.VehicleID,
		"tenant_id":   st.TenantID,
		"protocol":    string(st.Protocol),
		"lat":         ev.Latitude,
		"lng":         ev.Longitude,
		"speed_kmh":   ev.SpeedKmh,
		"heading":     ev.Heading,
		"timestamp":   ev.Timestamp.Unix(),
		"received_at": st.ReceivedAt.Unix(),
	}
	if ev.FuelLevel != nil {
		stateData["fuel_level"] = *ev.FuelLevel
	}
	if ev.EngineOn != nil {
		stateData["engine_on"] = *ev.EngineOn
	}
	if ev.Temperature != nil {
		stateData["temperature"] = *ev.Temperature
	}

	pubPayload, err := json.Marshal(stateData)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	vehicleStateKey := r.key("vehicle:%s:state", st.VehicleID)
	geoKey := r.key("tenant:%s:geo", st.TenantID)
	pubChannel := r.key("tenant:%s:telemetry", st.TenantID)

	pipe := r.client.Pipeline()

	pipe.HSet(ctx, vehicleStateKey, stateData)
	pipe.Expire(ctx, vehicleStateKey, r.stateTTL)
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      st.VehicleID,
		Longitude: ev.Longitude,
		Latitude:  ev.Latitude,
	})
	pipe.Publish(ctx, pubChannel, pubPayload)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}

// GetAPIKey returns the owner recorded for apiKey, or "" when unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	val, err := r.client.Get(ctx, r.key("auth:%s", apiKey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

func (r *RedisStore) Publish(ctx context.Context, n *domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	channel := r.key("tenant:%s:alerts", n.TenantID)
	if n.Kind == domain.NotifyAnomaly {
		channel = r.key("tenant:%s:anomalies", n.TenantID)
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) AcquireDeviceLock(ctx context.Context, deviceID string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	key := r.key("lock:device:%s", deviceID)
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire device lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		return r.client.Eval(ctx, releaseLockScript, []string{key}, token).Err()
	}
	return release, true, nil
}
