package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yoockh/audioproctor/internal/pipeline"
)

const (
	DefaultStream     = "audio:pipeline"
	DefaultGroup      = "audio-pipeline-workers"
	DefaultDelayedKey = "audio:pipeline:delayed"
)

// promoteScript moves due retry tasks from the delay set onto the stream atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  local t = cjson.decode(m)
  redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'stage', t.stage, 'chunk_id', t.chunk_id, 'attempt', tostring(t.attempt))
  redis.call('ZREM', KEYS[1], m)
end
return #due
`)

type Options struct {
	Stream     string
	Group      string
	DelayedKey string
	MaxLen     int64
}

// RedisQueue is the durable stage hand-off: a stream with a consumer group for
// ready work and a sorted set keyed by due time for retries.
type RedisQueue struct {
	rdb  *redis.Client
	opts Options
}

func NewRedisQueue(rdb *redis.Client, opts Options) *RedisQueue {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.DelayedKey == "" {
		opts.DelayedKey = DefaultDelayedKey
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 100000
	}
	return &RedisQueue{rdb: rdb, opts: opts}
}

func (q *RedisQueue) Stream() string { return q.opts.Stream }
func (q *RedisQueue) Group() string  { return q.opts.Group }

func (q *RedisQueue) Enqueue(ctx context.Context, t pipeline.Task) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		MaxLen: q.opts.MaxLen,
		Approx: true,
		Values: taskValues(t),
	}).Err()
}

func (q *RedisQueue) EnqueueAfter(ctx context.Context, t pipeline.Task, delay time.Duration) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.rdb.ZAdd(ctx, q.opts.DelayedKey, redis.Z{Score: float64(due), Member: string(b)}).Err()
}

// PromoteDue moves up to limit retry tasks whose due time has passed onto the stream.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.opts.DelayedKey, q.opts.Stream},
		now.UnixMilli(), limit, q.opts.MaxLen,
	).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// EnsureGroup creates the stream and consumer group if missing.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

type Message struct {
	ID   string
	Task pipeline.Task
	Err  error // set when the entry could not be parsed
}

func (q *RedisQueue) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, s := range res {
		out = append(out, toMessages(s.Messages)...)
	}
	return out, nil
}

// Claim takes over entries another consumer read but never acknowledged.
func (q *RedisQueue) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toMessages(msgs), nil
}

func (q *RedisQueue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.rdb.XAck(ctx, q.opts.Stream, q.opts.Group, ids...).Err()
}

func toMessages(in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		t, err := ParseTask(m.Values)
		out = append(out, Message{ID: m.ID, Task: t, Err: err})
	}
	return out
}

func taskValues(t pipeline.Task) map[string]any {
	return map[string]any{
		"stage":    string(t.Stage),
		"chunk_id": t.ChunkID,
		"attempt":  strconv.Itoa(t.Attempt),
	}
}

// ParseTask reads a task from stream entry fields.
func ParseTask(values map[string]any) (pipeline.Task, error) {
	getStr := func(k string) string {
		v, ok := values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	t := pipeline.Task{Stage: pipeline.Stage(getStr("stage")), ChunkID: getStr("chunk_id")}
	if !t.Stage.Valid() {
		return t, fmt.Errorf("unknown stage %q", t.Stage)
	}
	if t.ChunkID == "" {
		return t, errors.New("missing chunk_id")
	}
	if a := getStr("attempt"); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			return t, fmt.Errorf("invalid attempt %q", a)
		}
		t.Attempt = n
	}
	return t, nil
}
