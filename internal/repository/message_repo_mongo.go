package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"dm-relay/internal/domain"
)

type mongoMessage struct {
	ID          primitive.ObjectID `bson:"_id"`
	SenderID    int64              `bson:"senderId"`
	RecipientID int64              `bson:"recipientId"`
	Content     string             `bson:"content"`
	IsRead      bool               `bson:"isRead"`
	CreatedAt   time.Time          `bson:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
}

func (m mongoMessage) toDomain() domain.Message {
	return domain.Message{
		ID:          m.ID.Hex(),
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		IsRead:      m.IsRead,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

type MongoMessageRepository struct {
	coll *mongo.Collection
}

func NewMongoMessageRepository(db *mongo.Database) *MongoMessageRepository {
	return &MongoMessageRepository{coll: db.Collection("messages")}
}

// EnsureIndexes crea los índices usados por dedup y por la vista de conversación.
func (r *MongoMessageRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "recipientId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "recipientId", Value: 1}, {Key: "senderId", Value: 1}, {Key: "createdAt", Value: 1}}},
	})
	return err
}

func (r *MongoMessageRepository) Create(ctx context.Context, message domain.Message) (domain.Message, error) {
	stampCreate(&message, time.Millisecond)
	doc := mongoMessage{
		ID:          primitive.NewObjectID(),
		SenderID:    message.SenderID,
		RecipientID: message.RecipientID,
		Content:     message.Content,
		IsRead:      message.IsRead,
		CreatedAt:   message.CreatedAt,
		UpdatedAt:   message.UpdatedAt,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return domain.Message{}, err
	}
	return doc.toDomain(), nil
}

func (r *MongoMessageRepository) FindLatest(ctx context.Context, senderID, recipientID int64, content string) (domain.Message, error) {
	filter := bson.M{"senderId": senderID, "recipientId": recipientID, "content": content}
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	return r.findOne(ctx, filter, opts)
}

func (r *MongoMessageRepository) ListConversation(ctx context.Context, userA, userB int64) ([]domain.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"senderId": userA, "recipientId": userB},
		bson.M{"senderId": userB, "recipientId": userA},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoMessage
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	messages := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, d.toDomain())
	}
	return messages, nil
}

func (r *MongoMessageRepository) GetByID(ctx context.Context, id string) (domain.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return domain.Message{}, ErrMessageNotFound
	}
	return r.findOne(ctx, bson.M{"_id": oid}, nil)
}

// MarkRead solo toca el documento si aún no estaba leído.
func (r *MongoMessageRepository) MarkRead(ctx context.Context, id string, at time.Time) (domain.Message, error) {
	msg, err := r.findAndSet(ctx, id, bson.M{"isRead": false}, bson.M{"isRead": true, "updatedAt": at.UTC()})
	if errors.Is(err, ErrMessageNotFound) {
		return r.GetByID(ctx, id)
	}
	return msg, err
}

func (r *MongoMessageRepository) UpdateContent(ctx context.Context, id, content string, at time.Time) (domain.Message, error) {
	return r.findAndSet(ctx, id, nil, bson.M{"content": content, "updatedAt": at.UTC()})
}

func (r *MongoMessageRepository) Delete(ctx context.Context, id string) (int64, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return 0, nil
	}
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (r *MongoMessageRepository) findAndSet(ctx context.Context, id string, extra, set bson.M) (domain.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return domain.Message{}, ErrMessageNotFound
	}
	filter := bson.M{"_id": oid}
	for k, v := range extra {
		filter[k] = v
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc mongoMessage
	err = r.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	return doc.toDomain(), nil
}

func (r *MongoMessageRepository) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (domain.Message, error) {
	var doc mongoMessage
	var err error
	if opts != nil {
		err = r.coll.FindOne(ctx, filter, opts).Decode(&doc)
	} else {
		err = r.coll.FindOne(ctx, filter).Decode(&doc)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	return doc.toDomain(), nil
}
