package database

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// collection provides typed CRUD operations over one MongoDB collection.
type collection[T any] struct {
	coll *mongo.Collection
}

func newCollection[T any](db *mongo.Database, name string) *collection[T] {
	return &collection[T]{coll: db.Collection(name)}
}

func (c *collection[T]) Create(ctx context.Context, doc T) (*mongo.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc)
}

// FindOne returns ErrNotFound when nothing matches filter.
func (c *collection[T]) FindOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*T, error) {
	var result T
	err := c.coll.FindOne(ctx, filter, opts...).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *collection[T]) FindAll(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]T, error) {
	cursor, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []T
	if err = cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Update applies a full update document, operators included.
func (c *collection[T]) Update(ctx context.Context, filter bson.M, update bson.M) (*mongo.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update)
}

func (c *collection[T]) UpdateMany(ctx context.Context, filter bson.M, update bson.M) (*mongo.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update)
}

func (c *collection[T]) Delete(ctx context.Context, filter bson.M) (*mongo.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter)
}

func (c *collection[T]) DeleteMany(ctx context.Context, filter bson.M) (*mongo.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter)
}

func (c *collection[T]) Count(ctx context.Context, filter bson.M) (int64, error) {
	return c.coll.CountDocuments(ctx, filter)
}

func (c *collection[T]) Exists(ctx context.Context, filter bson.M) (bool, error) {
	count, err := c.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
