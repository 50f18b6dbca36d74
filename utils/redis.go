package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/models"
	"github.com/Perceptus-Labs/perceptus-guide/state"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// JournalRecord is the stored form of one history entry.
type JournalRecord struct {
	ObservationID string    `json:"observation_id"`
	RawText       string    `json:"raw_text"`
	Timestamp     time.Time `json:"timestamp"`
	TaskID        string    `json:"task_id,omitempty"`
	StepIndex     int       `json:"step_index,omitempty"`
	Similarity    float64   `json:"similarity"`
	Tier          string    `json:"tier"`
}

// RedisJournal mirrors the history window and the current state into Redis
// under guide:<session>:*. The history list is trimmed to the window size.
type RedisJournal struct {
	rdb      *redis.Client
	session  string
	capacity int64
	logger   *zap.Logger
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          0,
		DialTimeout: 20 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// NewRedisJournal journals one session. capacity bounds the mirrored history.
func NewRedisJournal(rdb *redis.Client, session string, capacity int, logger *zap.Logger) *RedisJournal {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisJournal{
		rdb:      rdb,
		session:  session,
		capacity: int64(capacity),
		logger:   logger.With(zap.String("component", "redis_journal"), zap.String("session", session)),
	}
}

func (j *RedisJournal) historyKey() string { return "guide:" + j.session + ":history" }
func (j *RedisJournal) stateKey() string   { return "guide:" + j.session + ":state" }

// Record pushes an entry to the head of the history list.
func (j *RedisJournal) Record(ctx context.Context, e state.HistoryEntry) error {
	data, err := json.Marshal(JournalRecord{
		ObservationID: e.Observation.ID,
		RawText:       e.Observation.RawText,
		Timestamp:     e.Observation.Timestamp,
		TaskID:        e.Match.TaskID,
		StepIndex:     e.Match.StepIndex,
		Similarity:    e.Match.Similarity,
		Tier:          string(e.Match.EffectiveTier()),
	})
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	pipe := j.rdb.TxPipeline()
	pipe.LPush(ctx, j.historyKey(), data)
	pipe.LTrim(ctx, j.historyKey(), 0, j.capacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal history: %w", err)
	}
	return nil
}

// SaveState stores the current state snapshot as a hash.
func (j *RedisJournal) SaveState(ctx context.Context, s models.CurrentState) error {
	fields := map[string]interface{}{
		"task_id":         s.TaskID,
		"step_index":      strconv.Itoa(s.StepIndex),
		"confidence":      strconv.FormatFloat(s.Confidence, 'f', 4, 64),
		"last_updated":    s.LastUpdated.UTC().Format(time.RFC3339Nano),
		"query_type_hint": string(s.QueryTypeHint),
	}
	if err := j.rdb.HSet(ctx, j.stateKey(), fields).Err(); err != nil {
		return fmt.Errorf("journal state: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (j *RedisJournal) Recent(ctx context.Context, n int) ([]JournalRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := j.rdb.LRange(ctx, j.historyKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	out := make([]JournalRecord, 0, len(raw))
	for _, r := range raw {
		var rec JournalRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			j.logger.Warn("Skipping unreadable journal record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// State reads back the stored snapshot. ok is false when none was saved.
func (j *RedisJournal) State(ctx context.Context) (s models.CurrentState, ok bool, err error) {
	m, err := j.rdb.HGetAll(ctx, j.stateKey()).Result()
	if err != nil {
		return s, false, fmt.Errorf("read state: %w", err)
	}
	if len(m) == 0 {
		return s, false, nil
	}
	s.TaskID = m["task_id"]
	s.StepIndex, _ = strconv.Atoi(m["step_index"])
	s.Confidence, _ = strconv.ParseFloat(m["confidence"], 64)
	s.LastUpdated, _ = time.Parse(time.RFC3339Nano, m["last_updated"])
	s.QueryTypeHint = models.Intent(m["query_type_hint"])
	return s, true, nil
}

// Clear removes the session's keys.
func (j *RedisJournal) Clear(ctx context.Context) error {
	return j.rdb.Del(ctx, j.historyKey(), j.stateKey()).Err()
}
