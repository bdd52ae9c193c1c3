package counters

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mixelka/smsguard/pkg/models"
)

const (
	keyPrefix = "smsguard:counters:"

	// GlobalScope aggregates every account
	GlobalScope = "global"

	// DefaultRetention keeps daily buckets for the dashboard's monthly view
	DefaultRetention = 45 * 24 * time.Hour
)

// Hash fields of a daily bucket
const (
	FieldMessages   = "messages"
	FieldFraud      = "fraud"
	FieldSuspicious = "suspicious"
	FieldSafe       = "safe"
	FieldAlerts     = "alerts"
)

// Redis keeps daily dashboard counters in Redis hashes
type Redis struct {
	client    *redis.Client
	retention time.Duration
	logger    *slog.Logger
}

// Connect opens a Redis client and checks the connection
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedis creates a counter sink on an open client
func NewRedis(client *redis.Client, retention time.Duration, logger *slog.Logger) *Redis {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Redis{
		client:    client,
		retention: retention,
		logger:    logger.With("component", "counters"),
	}
}

// AccountScope is the counter scope of one account
func AccountScope(accountID string) string {
	return "account:" + accountID
}

// DailyKey returns the hash key of a scope for the UTC day containing t
func DailyKey(scope string, t time.Time) string {
	return keyPrefix + scope + ":" + t.UTC().Format("2006-01-02")
}

type field struct {
	name  string
	value int64
}

func fields(delta models.CounterDelta) []field {
	return []field{
		{FieldMessages, delta.Messages},
		{FieldFraud, delta.Fraud},
		{FieldSuspicious, delta.Suspicious},
		{FieldSafe, delta.Safe},
		{FieldAlerts, delta.Alerts},
	}
}

// Add increments the account and global buckets of day
func (r *Redis) Add(ctx context.Context, accountID string, day time.Time, delta models.CounterDelta) error {
	pipe := r.client.Pipeline()

	for _, key := range []string{DailyKey(AccountScope(accountID), day), DailyKey(GlobalScope, day)} {
		for _, f := range fields(delta) {
			if f.value != 0 {
				pipe.HIncrBy(ctx, key, f.name, f.value)
			}
		}
		pipe.Expire(ctx, key, r.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return nil
}

// Get returns the counters of a scope for the UTC day containing t
func (r *Redis) Get(ctx context.Context, scope string, t time.Time) (models.CounterDelta, error) {
	values, err := r.client.HGetAll(ctx, DailyKey(scope, t)).Result()
	if err != nil {
		return models.CounterDelta{}, fmt.Errorf("failed to read counters: %w", err)
	}
	return parse(values), nil
}

func parse(values map[string]string) models.CounterDelta {
	get := func(name string) int64 {
		n, _ := strconv.ParseInt(values[name], 10, 64)
		return n
	}
	return models.CounterDelta{
		Messages:   get(FieldMessages),
		Fraud:      get(FieldFraud),
		Suspicious: get(FieldSuspicious),
		Safe:       get(FieldSafe),
		Alerts:     get(FieldAlerts),
	}
}
