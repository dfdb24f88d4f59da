package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo persists snapshots to a collection keyed by document id.
type Mongo struct {
	coll *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{coll: db.Collection("snapshots")}
}

func (s *Mongo) Save(ctx context.Context, snap Snapshot) error {
	filter := bson.D{{Key: "_id", Value: snap.DocID}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "content", Value: snap.Content},
		{Key: "revision", Value: snap.Revision},
		{Key: "savedAt", Value: snap.SavedAt},
	}}}
	opts := options.Update().SetUpsert(true)

	if _, err := s.coll.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.DocID, err)
	}
	return nil
}

func (s *Mongo) Load(ctx context.Context, docID string) (Snapshot, error) {
	var snap Snapshot
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: docID}}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", docID, err)
	}
	return snap, nil
}
