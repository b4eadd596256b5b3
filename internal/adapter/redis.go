package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/certivid/evidence-engine/internal/domain"
	redis "github.com/redis/go-redis/v9"
)

const (
	QueueNew        = "captures:queue:new"
	QueueInProgress = "captures:queue:in-progress"
	QueueCompleted  = "captures:queue:completed"
	TTL_INFINITE    = 0
)

type CaptureID = string
type SpoolPath = string

// CaptureStore coordinates capture work queues, persisted certification
// state and the push notification channel.
type CaptureStore interface {
	Enqueue(ctx context.Context, id CaptureID, manifest domain.CaptureManifest) error
	DequeueInProgress(ctx context.Context) (CaptureID, error)
	DequeueStaleCapture(ctx context.Context) (CaptureID, error)
	DequeueCompleted(ctx context.Context, id CaptureID) error
	SetSpoolWatch(ctx context.Context, path SpoolPath) error
	GetSpoolWatch(ctx context.Context, path SpoolPath) error
	DelSpoolWatch(ctx context.Context, path SpoolPath) error
	SetManifest(ctx context.Context, id CaptureID, manifest domain.CaptureManifest) error
	GetManifest(ctx context.Context, id CaptureID) (domain.CaptureManifest, error)
	SetCertificationProgress(ctx context.Context, progress domain.CertificationProgress) error
	GetCertificationProgress(ctx context.Context, id CaptureID) (domain.CertificationProgress, error)
	SetCertificationResult(ctx context.Context, result domain.CertificationResult) error
	GetCertificationResult(ctx context.Context, id CaptureID) (domain.CertificationResult, error)
	Subscribe(ctx context.Context, id CaptureID) (<-chan domain.Notification, func() error, error)
	Close() error
}

type RedisClientImpl struct {
	redisClient *redis.Client
}

func NewRedisClientImpl() *RedisClientImpl {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	password := os.Getenv("REDIS_PASSWORD")
	dbStr := os.Getenv("REDIS_DB")
	db := 0
	if dbStr != "" {
		if parsed, err := strconv.Atoi(dbStr); err == nil {
			db = parsed
		}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "err", err)
	}

	return &RedisClientImpl{
		redisClient: client,
	}
}

func manifestKey(id CaptureID) string { return "capture:manifest:" + id }

func progressKey(id CaptureID) string { return "certification:progress:" + id }

func resultKey(id CaptureID) string { return "certification:result:" + id }

func eventsChannel(id CaptureID) string { return "certification:events:" + id }

func (r *RedisClientImpl) Enqueue(ctx context.Context, id CaptureID, manifest domain.CaptureManifest) error {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := pipe.LPush(ctx, QueueNew, id).Err(); err != nil {
			return err
		}
		jsonBytes, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		if err := pipe.Set(ctx, manifestKey(id), jsonBytes, TTL_INFINITE).Err(); err != nil {
			return err
		}
		return nil
	})
	slog.Debug("Enqueued capture", "captureId", id, "err", err)
	return err
}

func (r *RedisClientImpl) DequeueInProgress(ctx context.Context) (CaptureID, error) {
	return r.redisClient.BLMove(ctx, QueueNew, QueueInProgress, "RIGHT", "LEFT", TTL_INFINITE).Result()
}

func (r *RedisClientImpl) DequeueStaleCapture(ctx context.Context) (CaptureID, error) {
	return r.redisClient.RPop(ctx, QueueInProgress).Result()
}

func (r *RedisClientImpl) DequeueCompleted(ctx context.Context, id CaptureID) error {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := pipe.LRem(ctx, QueueInProgress, 1, id).Err(); err != nil {
			return err
		}
		if err := pipe.LPush(ctx, QueueCompleted, id).Err(); err != nil {
			return err
		}
		if err := pipe.Del(ctx, manifestKey(id)).Err(); err != nil {
			return err
		}
		return nil
	})
	return err
}

func (r *RedisClientImpl) SetSpoolWatch(ctx context.Context, path SpoolPath) error {
	return r.redisClient.Set(ctx, "spool:watch:"+path, 0, TTL_INFINITE).Err()
}

func (r *RedisClientImpl) GetSpoolWatch(ctx context.Context, path SpoolPath) error {
	return r.redisClient.Get(ctx, "spool:watch:"+path).Err()
}

func (r *RedisClientImpl) DelSpoolWatch(ctx context.Context, path SpoolPath) error {
	return r.redisClient.Del(ctx, "spool:watch:"+path).Err()
}

func (r *RedisClientImpl) SetManifest(ctx context.Context, id CaptureID, manifest domain.CaptureManifest) error {
	jsonBytes, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	return r.redisClient.Set(ctx, manifestKey(id), jsonBytes, TTL_INFINITE).Err()
}

func (r *RedisClientImpl) GetManifest(ctx context.Context, id CaptureID) (domain.CaptureManifest, error) {
	var manifest domain.CaptureManifest
	jsonBytes, err := r.redisClient.Get(ctx, manifestKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return manifest, nil
		}
		return manifest, err
	}
	if err := json.Unmarshal(jsonBytes, &manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}

func (r *RedisClientImpl) SetCertificationProgress(ctx context.Context, progress domain.CertificationProgress) error {
	jsonBytes, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	return r.redisClient.Set(ctx, progressKey(progress.CaptureID), jsonBytes, TTL_INFINITE).Err()
}

func (r *RedisClientImpl) GetCertificationProgress(ctx context.Context, id CaptureID) (domain.CertificationProgress, error) {
	var progress domain.CertificationProgress
	jsonBytes, err := r.redisClient.Get(ctx, progressKey(id)).Bytes()
	if err != nil {
		return progress, err
	}
	if err := json.Unmarshal(jsonBytes, &progress); err != nil {
		return progress, err
	}
	return progress, nil
}

func (r *RedisClientImpl) SetCertificationResult(ctx context.Context, result domain.CertificationResult) error {
	jsonBytes, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.redisClient.Set(ctx, resultKey(result.CaptureID), jsonBytes, TTL_INFINITE).Err()
}

func (r *RedisClientImpl) GetCertificationResult(ctx context.Context, id CaptureID) (domain.CertificationResult, error) {
	var result domain.CertificationResult
	jsonBytes, err := r.redisClient.Get(ctx, resultKey(id)).Bytes()
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return result, err
	}
	return result, nil
}

// Subscribe opens the push notification channel for one capture. Messages
// that fail to decode are logged and dropped; the returned close function
// tears down the subscription.
func (r *RedisClientImpl) Subscribe(ctx context.Context, id CaptureID) (<-chan domain.Notification, func() error, error) {
	sub := r.redisClient.Subscribe(ctx, eventsChannel(id))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("subscribing to certification events for %s: %w", id, err)
	}
	out := make(chan domain.Notification)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var n domain.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				slog.Error("Dropping undecodable certification event", "captureId", id, "err", err)
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}

func (r *RedisClientImpl) Close() error {
	return r.redisClient.Close()
}
