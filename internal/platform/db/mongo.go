package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names shared by the Mongo repositories.
const (
	UsersCollection       = "users"
	SubmissionsCollection = "submissions"
)

// NewMongoClient connects to uri and verifies the primary is reachable.
func NewMongoClient(ctx context.Context, uri string, maxPool uint64) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second)
	if maxPool > 0 {
		opts.SetMaxPoolSize(maxPool)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureMongoIndexes creates the indexes the repositories rely on. It is
// idempotent and plays the role SQL migrations play for Postgres.
func EnsureMongoIndexes(ctx context.Context, database *mongo.Database) ([]string, error) {
	var created []string

	users := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("users_email_key").SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "patientId", Value: 1}},
			Options: options.Index().
				SetName("users_patient_id_key").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"patientId": bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "role", Value: 1}},
			Options: options.Index().SetName("idx_users_role"),
		},
	}
	names, err := database.Collection(UsersCollection).Indexes().CreateMany(ctx, users)
	if err != nil {
		return nil, fmt.Errorf("create user indexes: %w", err)
	}
	created = append(created, names...)

	submissions := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("idx_submissions_owner_created"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_submissions_status"),
		},
		{
			Keys:    bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("idx_submissions_created"),
		},
		{
			Keys:    bson.D{{Key: "patientDetails.patientId", Value: 1}},
			Options: options.Index().SetName("idx_submissions_patient_ref"),
		},
	}
	names, err = database.Collection(SubmissionsCollection).Indexes().CreateMany(ctx, submissions)
	if err != nil {
		return nil, fmt.Errorf("create submission indexes: %w", err)
	}
	return append(created, names...), nil
}

// MongoChecker probes a Mongo client for the health endpoint.
type MongoChecker struct {
	Client *mongo.Client
}

func (m MongoChecker) Driver() string { return "mongo" }

func (m MongoChecker) Ping(ctx context.Context) error {
	return m.Client.Ping(ctx, readpref.Primary())
}

func (m MongoChecker) Stats() any {
	return map[string]int{"open_sessions": m.Client.NumberSessionsInProgress()}
}
