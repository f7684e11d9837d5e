package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoMessage struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	RoomID    string             `bson:"roomId"`
	Sender    string             `bson:"sender"`
	Body      string             `bson:"message"`
	Timestamp time.Time          `bson:"timestamp"`
	ReadBy    []string           `bson:"readBy"`
}

func (m mongoMessage) toMessage() Message {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return Message{
		ID:        m.ID.Hex(),
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Body:      m.Body,
		Timestamp: m.Timestamp.UTC(),
		ReadBy:    readBy,
	}
}

// MongoStore keeps one document per message. Read receipts use $addToSet so
// concurrent readers never lose each other's updates.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

// OpenMongo connects to uri, verifies the connection and ensures the
// (roomId, timestamp) index exists.
func OpenMongo(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("chat: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("chat: mongo ping: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("chat: mongo index: %w", err)
	}

	return &MongoStore{client: client, coll: coll, now: time.Now}, nil
}

func (s *MongoStore) Create(ctx context.Context, in NewMessage) (Message, error) {
	doc := mongoMessage{
		ID:     primitive.NewObjectID(),
		RoomID: in.RoomID,
		Sender: in.Sender,
		Body:   in.Body,
		// BSON dates carry millisecond precision.
		Timestamp: in.timestamp(s.now).Truncate(time.Millisecond),
		ReadBy:    []string{},
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return Message{}, unavailable("create", err)
	}
	return doc.toMessage(), nil
}

func (s *MongoStore) FindByRoom(ctx context.Context, roomID string) ([]Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"roomId": roomID}, opts)
	if err != nil {
		return nil, unavailable("find", err)
	}
	defer cur.Close(ctx)

	out := []Message{}
	for cur.Next(ctx) {
		var doc mongoMessage
		if err := cur.Decode(&doc); err != nil {
			return nil, unavailable("decode", err)
		}
		out = append(out, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, unavailable("find", err)
	}
	return out, nil
}

func (s *MongoStore) AddReader(ctx context.Context, messageID, userID string) error {
	oid, err := primitive.ObjectIDFromHex(messageID)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.coll.UpdateByID(ctx, oid, bson.M{"$addToSet": bson.M{"readBy": userID}})
	if err != nil {
		return unavailable("add reader", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteAll(ctx context.Context) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{}); err != nil {
		return unavailable("delete all", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	err := s.client.Disconnect(ctx)
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return nil
	}
	return err
}
