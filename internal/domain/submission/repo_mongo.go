package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/db"
)

type patientDetailsDoc struct {
	Name      string `bson:"name"`
	PatientID string `bson:"patientId"`
	Email     string `bson:"email"`
	Note      string `bson:"note,omitempty"`
}

type submissionDoc struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty"`
	OwnerID            string             `bson:"ownerId"`
	PatientDetails     patientDetailsDoc  `bson:"patientDetails"`
	OriginalImagePath  string             `bson:"originalImagePath"`
	AnnotatedImagePath *string            `bson:"annotatedImagePath,omitempty"`
	AnnotationData     bson.Raw           `bson:"annotationData,omitempty"`
	ReviewText         *string            `bson:"reviewText,omitempty"`
	ReportPath         *string            `bson:"reportPath,omitempty"`
	Status             string             `bson:"status"`
	Version            int                `bson:"version"`
	CreatedAt          time.Time          `bson:"createdAt"`
	UpdatedAt          time.Time          `bson:"updatedAt"`
}

type submissionRepoMongo struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoRepo stores submissions in the submissions collection of database.
func NewMongoRepo(database *mongo.Database) Repository {
	return &submissionRepoMongo{
		coll: database.Collection(db.SubmissionsCollection),
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func objectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, errSubmissionNotFound
	}
	return oid, nil
}

func translateMongo(err error, op string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errSubmissionNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Conflict("Submission already exists")
	}
	return fmt.Errorf("%s submission: %w", op, err)
}

// annotationToBSON stores annotation JSON as a native document so it stays
// queryable from the shell.
func annotationToBSON(raw json.RawMessage) (bson.Raw, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("encode annotation data: %w", err)
	}
	return bson.Marshal(doc)
}

func annotationFromBSON(raw bson.Raw) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("decode annotation data: %w", err)
	}
	return json.RawMessage(out), nil
}

func toDoc(s *Submission) (*submissionDoc, error) {
	ad, err := annotationToBSON(s.AnnotationData)
	if err != nil {
		return nil, err
	}
	return &submissionDoc{
		OwnerID: s.OwnerID,
		PatientDetails: patientDetailsDoc{
			Name:      s.PatientDetails.Name,
			PatientID: s.PatientDetails.PatientID,
			Email:     s.PatientDetails.Email,
			Note:      s.PatientDetails.Note,
		},
		OriginalImagePath:  s.OriginalImagePath,
		AnnotatedImagePath: s.AnnotatedImagePath,
		AnnotationData:     ad,
		ReviewText:         s.ReviewText,
		ReportPath:         s.ReportPath,
		Status:             string(s.Status),
		Version:            s.Version,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}, nil
}

func (d *submissionDoc) model() (*Submission, error) {
	ad, err := annotationFromBSON(d.AnnotationData)
	if err != nil {
		return nil, err
	}
	return &Submission{
		ID:      d.ID.Hex(),
		OwnerID: d.OwnerID,
		PatientDetails: PatientDetails{
			Name:      d.PatientDetails.Name,
			PatientID: d.PatientDetails.PatientID,
			Email:     d.PatientDetails.Email,
			Note:      d.PatientDetails.Note,
		},
		OriginalImagePath:  d.OriginalImagePath,
		AnnotatedImagePath: d.AnnotatedImagePath,
		AnnotationData:     ad,
		ReviewText:         d.ReviewText,
		ReportPath:         d.ReportPath,
		Status:             Status(d.Status),
		Version:            d.Version,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}, nil
}

func (r *submissionRepoMongo) Create(ctx context.Context, s *Submission) error {
	now := r.now()
	if s.Status == "" {
		s.Status = StatusUploaded
	}
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now

	doc, err := toDoc(s)
	if err != nil {
		return err
	}
	doc.ID = primitive.NewObjectID()
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return translateMongo(err, "create")
	}
	s.ID = doc.ID.Hex()
	return nil
}

func (r *submissionRepoMongo) GetByID(ctx context.Context, id string) (*Submission, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	var doc submissionDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return nil, translateMongo(err, "get")
	}
	return doc.model()
}

func (r *submissionRepoMongo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Submission, error) {
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, translateMongo(err, "list")
	}
	defer cur.Close(ctx)

	items := []*Submission{}
	for cur.Next(ctx) {
		var doc submissionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		s, err := doc.model()
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

var newestFirst = bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}

func (r *submissionRepoMongo) ListByOwner(ctx context.Context, ownerID string) ([]*Submission, error) {
	return r.find(ctx, bson.M{"ownerId": ownerID}, options.Find().SetSort(newestFirst))
}

func (r *submissionRepoMongo) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Submission, int, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	total, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, translateMongo(err, "count")
	}
	items, err := r.find(ctx, q, options.Find().
		SetSort(newestFirst).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (r *submissionRepoMongo) Update(ctx context.Context, s *Submission, expectedVersion int) error {
	oid, err := objectID(s.ID)
	if err != nil {
		return err
	}
	ad, err := annotationToBSON(s.AnnotationData)
	if err != nil {
		return err
	}
	now := r.now()

	set := bson.M{"status": string(s.Status), "updatedAt": now}
	unset := bson.M{}
	optional := func(key string, v *string) {
		if v != nil {
			set[key] = *v
		} else {
			unset[key] = ""
		}
	}
	optional("annotatedImagePath", s.AnnotatedImagePath)
	optional("reviewText", s.ReviewText)
	optional("reportPath", s.ReportPath)
	if ad != nil {
		set["annotationData"] = ad
	} else {
		unset["annotationData"] = ""
	}

	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": oid, "version": expectedVersion}, update)
	if err != nil {
		return translateMongo(err, "update")
	}
	if res.MatchedCount == 0 {
		n, err := r.coll.CountDocuments(ctx, bson.M{"_id": oid})
		if err != nil {
			return translateMongo(err, "update")
		}
		if n == 0 {
			return errSubmissionNotFound
		}
		return apperr.Conflict("Submission was modified by another request")
	}
	s.Version = expectedVersion + 1
	s.UpdatedAt = now
	return nil
}

func (r *submissionRepoMongo) Delete(ctx context.Context, id string) (*Submission, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	var doc submissionDoc
	if err := r.coll.FindOneAndDelete(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return nil, translateMongo(err, "delete")
	}
	return doc.model()
}

func (r *submissionRepoMongo) CountByStatus(ctx context.Context) (map[Status]int, error) {
	cur, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, translateMongo(err, "count")
	}
	defer cur.Close(ctx)

	counts := make(map[Status]int, len(Statuses))
	for cur.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int    `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode status count: %w", err)
		}
		counts[Status(row.Status)] = row.Count
	}
	return counts, cur.Err()
}

func (r *submissionRepoMongo) ReferencedBlobs(ctx context.Context) (map[string]bool, error) {
	cur, err := r.coll.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{
		"originalImagePath": 1, "annotatedImagePath": 1, "reportPath": 1,
	}))
	if err != nil {
		return nil, translateMongo(err, "list blobs of")
	}
	defer cur.Close(ctx)

	refs := make(map[string]bool)
	for cur.Next(ctx) {
		var doc submissionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode blob names: %w", err)
		}
		s := Submission{
			OriginalImagePath:  doc.OriginalImagePath,
			AnnotatedImagePath: doc.AnnotatedImagePath,
			ReportPath:         doc.ReportPath,
		}
		for _, name := range s.BlobNames() {
			refs[name] = true
		}
	}
	return refs, cur.Err()
}
