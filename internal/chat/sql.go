package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type messageRecord struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"size:26;uniqueIndex;not null"`
	RoomID    string    `gorm:"index:idx_room_ts,priority:1;not null"`
	Sender    string    `gorm:"not null"`
	Body      string    `gorm:"not null"`
	Timestamp time.Time `gorm:"column:sent_at;index:idx_room_ts,priority:2;not null"`
}

func (messageRecord) TableName() string { return "chat_messages" }

type readRecord struct {
	MessageID string `gorm:"primaryKey;size:26"`
	UserID    string `gorm:"primaryKey"`
}

func (readRecord) TableName() string { return "chat_message_reads" }

// SQLStore persists messages through gorm. Read receipts live in their own
// table keyed by (message, user), which makes AddReader idempotent.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQL connects with the named driver ("postgres" or "sqlite") and
// migrates the schema.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true})
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("chat: unsupported sql driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("chat: connect %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite allows a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("chat: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLStore(db)
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&messageRecord{}, &readRecord{}); err != nil {
		return nil, fmt.Errorf("chat: migrate: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Create(ctx context.Context, in NewMessage) (Message, error) {
	rec := messageRecord{
		ID:        ulid.Make().String(),
		RoomID:    in.RoomID,
		Sender:    in.Sender,
		Body:      in.Body,
		Timestamp: in.timestamp(s.now).Truncate(time.Microsecond),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Message{}, unavailable("create", err)
	}
	return rec.toMessage(nil), nil
}

func (s *SQLStore) FindByRoom(ctx context.Context, roomID string) ([]Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sent_at ASC").Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, unavailable("find", err)
	}
	if len(recs) == 0 {
		return []Message{}, nil
	}

	var reads []readRecord
	ids := lo.Map(recs, func(r messageRecord, _ int) string { return r.ID })
	if err := s.db.WithContext(ctx).Where("message_id IN ?", ids).Find(&reads).Error; err != nil {
		return nil, unavailable("find readers", err)
	}
	readers := lo.GroupBy(reads, func(r readRecord) string { return r.MessageID })

	return lo.Map(recs, func(r messageRecord, _ int) Message {
		return r.toMessage(lo.Map(readers[r.ID], func(rr readRecord, _ int) string { return rr.UserID }))
	}), nil
}

func (s *SQLStore) AddReader(ctx context.Context, messageID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec messageRecord
		err := tx.Select("id").Where("id = ?", messageID).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return unavailable("add reader", err)
		}
		err = tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&readRecord{MessageID: messageID, UserID: userID}).Error
		if err != nil {
			return unavailable("add reader", err)
		}
		return nil
	})
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&readRecord{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&messageRecord{}).Error
	})
}

func (s *SQLStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r messageRecord) toMessage(readBy []string) Message {
	if readBy == nil {
		readBy = []string{}
	}
	return Message{
		ID:        r.ID,
		RoomID:    r.RoomID,
		Sender:    r.Sender,
		Body:      r.Body,
		Timestamp: r.Timestamp.UTC(),
		ReadBy:    readBy,
	}
}
