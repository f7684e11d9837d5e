package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/logger"
)

const (
	flagKeyPrefix = "mod:flags:"
	flagTTL       = 24 * time.Hour
)

// ResultPublisher delivers a flagged result to the chat server that owns
// connID.
type ResultPublisher func(connID string, data []byte) error

// Worker reviews moderation requests and publishes a Result for each
// flagged message. Content is checked by the Filter; posting behavior per
// room and sender by an Activity tracker.
type Worker struct {
	filter   *Filter
	activity *Activity
	publish  ResultPublisher
	rdb      *redis.Client // optional per-sender flag counter
	log      zerolog.Logger
}

// NewWorker creates a Worker with the default activity limits. rdb may be
// nil.
func NewWorker(filter *Filter, publish ResultPublisher, rdb *redis.Client) *Worker {
	return NewWorkerWithActivity(filter, NewActivity(DefaultActivityConfig()), publish, rdb)
}

// NewWorkerWithActivity creates a Worker that shares the given tracker.
func NewWorkerWithActivity(filter *Filter, activity *Activity, publish ResultPublisher, rdb *redis.Client) *Worker {
	return &Worker{
		filter:   filter,
		activity: activity,
		publish:  publish,
		rdb:      rdb,
		log:      logger.L().With().Str("component", "moderator").Logger(),
	}
}

// Handle decodes and reviews a single request. It returns the result and
// whether the message was flagged.
func (w *Worker) Handle(ctx context.Context, data []byte) (Result, bool, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Result{}, false, fmt.Errorf("moderation: decode request: %w", err)
	}

	// Every request is observed so clean messages still count toward bursts.
	behavior := w.activity.Observe(req)
	verdict := w.filter.Check(req.Text)
	if !verdict.Blocked {
		verdict = behavior
	}
	if !verdict.Blocked {
		w.log.Debug().
			Str(logger.FieldConnID, req.ConnID).
			Str(logger.FieldMessageID, req.MessageID).
			Msg("clean")
		return Result{}, false, nil
	}

	res := Result{
		ConnID:    req.ConnID,
		MessageID: req.MessageID,
		RoomID:    req.RoomID,
		Blocked:   true,
		Reason:    verdict.Reason,
		Term:      verdict.Term,
	}

	ev := w.log.Info().
		Str(logger.FieldConnID, req.ConnID).
		Str(logger.FieldMessageID, req.MessageID).
		Str(logger.FieldRoomID, req.RoomID).
		Str("reason", verdict.Reason).
		Str("term", verdict.Term)
	if n, err := w.countFlag(ctx, req.Sender); err == nil && n > 0 {
		ev = ev.Int64("sender_flags", n)
	}
	ev.Msg("flagged")

	out, err := json.Marshal(res)
	if err != nil {
		return res, true, fmt.Errorf("moderation: encode result: %w", err)
	}
	if err := w.publish(req.ConnID, out); err != nil {
		return res, true, fmt.Errorf("moderation: publish result: %w", err)
	}
	return res, true, nil
}

// countFlag increments the sender's rolling flag counter.
func (w *Worker) countFlag(ctx context.Context, sender string) (int64, error) {
	if w.rdb == nil || sender == "" {
		return 0, nil
	}
	key := flagKeyPrefix + sender
	pipe := w.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, flagTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("flag counter unavailable")
		return 0, err
	}
	return incr.Val(), nil
}
