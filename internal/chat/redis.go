package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	MessagePrefix = "chat:msg:"
	ReadersSuffix = ":readers"
	RoomPrefix    = "chat:room:"
)

// RedisStore keeps each message in a hash, its readers in a set, and a
// per-room sorted set scored by timestamp (microseconds). Members are ULIDs,
// so equal timestamps fall back to insertion order.
type RedisStore struct {
	rdb          *redis.Client
	addReaderLua *redis.Script
	now          func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		addReaderLua: redis.NewScript(addReaderLua),
		now:          time.Now,
	}
}

func (s *RedisStore) Create(ctx context.Context, in NewMessage) (Message, error) {
	msg := Message{
		ID:        ulid.Make().String(),
		RoomID:    in.RoomID,
		Sender:    in.Sender,
		Body:      in.Body,
		Timestamp: in.timestamp(s.now).Truncate(time.Microsecond),
		ReadBy:    []string{},
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, MessagePrefix+msg.ID, map[string]interface{}{
			"room_id":   msg.RoomID,
			"sender":    msg.Sender,
			"body":      msg.Body,
			"timestamp": msg.Timestamp.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, RoomPrefix+msg.RoomID, redis.Z{
			Score:  float64(msg.Timestamp.UnixMicro()),
			Member: msg.ID,
		})
		return nil
	})
	if err != nil {
		return Message{}, unavailable("create", err)
	}
	return msg, nil
}

func (s *RedisStore) FindByRoom(ctx context.Context, roomID string) ([]Message, error) {
	ids, err := s.rdb.ZRange(ctx, RoomPrefix+roomID, 0, -1).Result()
	if err != nil {
		return nil, unavailable("find", err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	pipe := s.rdb.Pipeline()
	fields := make([]*redis.MapStringStringCmd, len(ids))
	readers := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		fields[i] = pipe.HGetAll(ctx, MessagePrefix+id)
		readers[i] = pipe.SMembers(ctx, MessagePrefix+id+ReadersSuffix)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("find", err)
	}

	out := make([]Message, 0, len(ids))
	for i, id := range ids {
		h := fields[i].Val()
		if len(h) == 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, h["timestamp"])
		if err != nil {
			return nil, unavailable("decode", fmt.Errorf("message %s: %w", id, err))
		}
		readBy := readers[i].Val()
		if readBy == nil {
			readBy = []string{}
		}
		sort.Strings(readBy)
		out = append(out, Message{
			ID:        id,
			RoomID:    h["room_id"],
			Sender:    h["sender"],
			Body:      h["body"],
			Timestamp: ts.UTC(),
			ReadBy:    readBy,
		})
	}
	return out, nil
}

// AddReader runs as a script so the existence check and the set insert are
// atomic. Returns ErrNotFound when the message hash is absent.
func (s *RedisStore) AddReader(ctx context.Context, messageID, userID string) error {
	key := MessagePrefix + messageID
	result, err := s.addReaderLua.Run(ctx, s.rdb, []string{key, key + ReadersSuffix}, userID).Int()
	if err != nil {
		return unavailable("add reader", err)
	}
	if result == -1 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll removes every key under the chat prefixes.
func (s *RedisStore) DeleteAll(ctx context.Context) error {
	for _, pattern := range []string{MessagePrefix + "*", RoomPrefix + "*"} {
		iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 500 {
				if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
					return unavailable("delete all", err)
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return unavailable("delete all", err)
		}
		if len(batch) > 0 {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return unavailable("delete all", err)
			}
		}
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close(context.Context) error { return nil }

//	 1 = reader recorded (or already present)
//	-1 = message not found
const addReaderLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`
