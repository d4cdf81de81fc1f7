package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"instrumentq/internal/config"
	"instrumentq/internal/domain"
)

// Redis appends each finished package to a stream and keeps a per-uuid state
// hash for quick lookups.
type Redis struct {
	Cfg config.Redis
	Rdb *redis.Client
}

func NewRedis(cfg config.Redis) *Redis {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{Cfg: cfg, Rdb: c}
}

func (r *Redis) Connect(ctx context.Context) error {
	if err := r.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Str("stream", r.Cfg.StreamKey).Msg("connected to redis")
	return nil
}

func (r *Redis) Record(ctx context.Context, p domain.Package) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal package %s: %w", p.UUID, err)
	}
	args := &redis.XAddArgs{
		Stream: r.Cfg.StreamKey,
		Values: map[string]interface{}{"package": b, "uuid": p.UUID},
	}
	if r.Cfg.MaxLen > 0 {
		args.MaxLen = r.Cfg.MaxLen
		args.Approx = true
	}
	if err := r.Rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("archive package %s: %w", p.UUID, err)
	}
	return r.SaveState(ctx, p)
}

// SaveState writes the summary hash stored under <prefix><uuid>.
func (r *Redis) SaveState(ctx context.Context, p domain.Package) error {
	m := map[string]any{
		"task_name":        p.Task.Name(),
		"exit_state":       string(p.Meta.ExitState),
		"run_time_seconds": p.Meta.RunTimeSeconds,
		"queued":           formatTime(p.Meta.Queued),
		"started":          formatTime(p.Meta.Started),
		"ended":            formatTime(p.Meta.Ended),
	}
	return r.Rdb.HSet(ctx, r.Cfg.StateKeyPrefix+p.UUID, m).Err()
}

// State returns the summary hash for uuid, or nil when none was recorded.
func (r *Redis) State(ctx context.Context, uuid string) (map[string]string, error) {
	h, err := r.Rdb.HGetAll(ctx, r.Cfg.StateKeyPrefix+uuid).Result()
	if err != nil || len(h) == 0 {
		return nil, err
	}
	return h, nil
}

func (r *Redis) Recent(ctx context.Context, limit int) ([]domain.Package, error) {
	if limit <= 0 {
		return []domain.Package{}, nil
	}
	msgs, err := r.Rdb.XRevRangeN(ctx, r.Cfg.StreamKey, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("read archive stream: %w", err)
	}
	out := make([]domain.Package, 0, len(msgs))
	for _, msg := range msgs {
		var p domain.Package
		switch v := msg.Values["package"].(type) {
		case string:
			err = json.Unmarshal([]byte(v), &p)
		case []byte:
			err = json.Unmarshal(v, &p)
		default:
			err = fmt.Errorf("unexpected package type: %T", v)
		}
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("id", msg.ID).Msg("skipping unreadable archive entry")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Redis) Close() error { return r.Rdb.Close() }

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
