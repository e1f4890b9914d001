package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/internal/platform/db"
)

type userDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Name         string             `bson:"name"`
	Email        string             `bson:"email"`
	PasswordHash string             `bson:"password"`
	Role         string             `bson:"role"`
	PatientID    *string            `bson:"patientId,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

func (d *userDoc) model() *User {
	return &User{
		ID:           d.ID.Hex(),
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Role:         auth.Role(d.Role),
		PatientID:    d.PatientID,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type userRepoMongo struct {
	users       *mongo.Collection
	submissions *mongo.Collection
	now         func() time.Time
}

// NewMongoRepo stores users in the users collection of database. Deleting a
// user also deletes their submissions.
func NewMongoRepo(database *mongo.Database) UserRepository {
	return &userRepoMongo{
		users:       database.Collection(db.UsersCollection),
		submissions: database.Collection(db.SubmissionsCollection),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func translateMongo(err error, op string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errUserNotFound
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 && strings.Contains(e.Message, "patient") {
				return errPatientIDTaken
			}
		}
	}
	if mongo.IsDuplicateKeyError(err) {
		return errEmailTaken
	}
	return fmt.Errorf("%s user: %w", op, err)
}

func userID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, errUserNotFound
	}
	return oid, nil
}

func (r *userRepoMongo) Create(ctx context.Context, u *User) error {
	now := r.now()
	doc := userDoc{
		ID:           primitive.NewObjectID(),
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		PatientID:    u.PatientID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := r.users.InsertOne(ctx, doc); err != nil {
		return translateMongo(err, "create")
	}
	u.ID = doc.ID.Hex()
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

func (r *userRepoMongo) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var doc userDoc
	if err := r.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, translateMongo(err, "get")
	}
	return doc.model(), nil
}

func (r *userRepoMongo) GetByID(ctx context.Context, id string) (*User, error) {
	oid, err := userID(id)
	if err != nil {
		return nil, err
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

func (r *userRepoMongo) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *userRepoMongo) PatientIDTaken(ctx context.Context, patientID, excludeID string) (bool, error) {
	filter := bson.M{"patientId": patientID}
	if oid, err := primitive.ObjectIDFromHex(excludeID); err == nil {
		filter["_id"] = bson.M{"$ne": oid}
	}
	n, err := r.users.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, translateMongo(err, "check patient id of")
	}
	return n > 0, nil
}

func (r *userRepoMongo) Update(ctx context.Context, u *User) error {
	oid, err := userID(u.ID)
	if err != nil {
		return err
	}
	now := r.now()
	update := bson.M{"$set": bson.M{"name": u.Name, "updatedAt": now}}
	if u.PatientID != nil {
		update["$set"].(bson.M)["patientId"] = *u.PatientID
	} else {
		update["$unset"] = bson.M{"patientId": ""}
	}
	res, err := r.users.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return translateMongo(err, "update")
	}
	if res.MatchedCount == 0 {
		return errUserNotFound
	}
	u.UpdatedAt = now
	return nil
}

func (r *userRepoMongo) UpdatePassword(ctx context.Context, id, hash string) error {
	oid, err := userID(id)
	if err != nil {
		return err
	}
	res, err := r.users.UpdateOne(ctx, bson.M{"_id": oid},
		bson.M{"$set": bson.M{"password": hash, "updatedAt": r.now()}})
	if err != nil {
		return translateMongo(err, "update password of")
	}
	if res.MatchedCount == 0 {
		return errUserNotFound
	}
	return nil
}

func (r *userRepoMongo) Delete(ctx context.Context, id string) error {
	oid, err := userID(id)
	if err != nil {
		return err
	}
	res, err := r.users.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return translateMongo(err, "delete")
	}
	if res.DeletedCount == 0 {
		return errUserNotFound
	}
	if _, err := r.submissions.DeleteMany(ctx, bson.M{"ownerId": id}); err != nil {
		return fmt.Errorf("delete submissions of user %s: %w", id, err)
	}
	return nil
}

func (r *userRepoMongo) List(ctx context.Context, filter UserFilter, limit, offset int) ([]*User, int, error) {
	q := bson.M{}
	if filter.Role != "" {
		q["role"] = string(filter.Role)
	}
	total, err := r.users.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, translateMongo(err, "count")
	}
	cur, err := r.users.Find(ctx, q, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, translateMongo(err, "list")
	}
	defer cur.Close(ctx)

	users := []*User{}
	for cur.Next(ctx) {
		var doc userDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decode user: %w", err)
		}
		users = append(users, doc.model())
	}
	if err := cur.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate users: %w", err)
	}
	return users, int(total), nil
}
