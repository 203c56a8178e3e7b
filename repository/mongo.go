package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"shortsDownloader/models"
)

// jobDocument is the stored shape of a job in the jobs collection.
type jobDocument struct {
	ID           string           `bson:"_id"`
	SourceURL    string           `bson:"sourceUrl"`
	Status       string           `bson:"status"`
	Progress     int              `bson:"progress"`
	Metadata     *models.Metadata `bson:"metadata,omitempty"`
	ResultURL    string           `bson:"resultUrl,omitempty"`
	PosterURL    string           `bson:"posterUrl,omitempty"`
	ErrorMessage string           `bson:"errorMessage,omitempty"`
	CreatedAt    time.Time        `bson:"createdAt"`
	UpdatedAt    time.Time        `bson:"updatedAt"`
}

type MongoRepo struct {
	jobs *mongo.Collection
	now  func() time.Time
}

func NewMongoRepo(client *mongo.Client, database string) *MongoRepo {
	return &MongoRepo{
		jobs: client.Database(database).Collection("jobs"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the createdAt index used by history listing.
func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: -1}},
	})
	return err
}

func (r *MongoRepo) CreateJob(ctx context.Context, job *models.Job) error {
	now := r.now()
	doc := jobDocument{
		ID:        job.ID,
		SourceURL: job.SourceURL,
		Status:    string(models.StatusQueued),
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := r.jobs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrJobAlreadyExists
		}
		return err
	}

	job.Status = models.StatusQueued
	job.Progress = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (r *MongoRepo) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}

	set := bson.M{"updatedAt": r.now()}
	if update.Status != nil {
		set["status"] = string(*update.Status)
	}
	if update.Progress != nil {
		set["progress"] = *update.Progress
	}
	if update.Metadata != nil {
		set["metadata"] = update.Metadata
	}
	if update.ResultURL != nil {
		set["resultUrl"] = *update.ResultURL
	}
	if update.PosterURL != nil {
		set["posterUrl"] = *update.PosterURL
	}
	if update.ErrorMessage != nil {
		set["errorMessage"] = *update.ErrorMessage
	}

	result, err := r.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrJobNotFound
	}

	return nil
}

func (r *MongoRepo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var doc jobDocument
	if err := r.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	return doc.toJob()
}

func (r *MongoRepo) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	opts := options.Find().
		SetLimit(int64(clampLimit(limit))).
		SetSort(bson.D{{Key: "createdAt", Value: -1}})

	cursor, err := r.jobs.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []jobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(docs))
	for _, doc := range docs {
		job, err := doc.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (d jobDocument) toJob() (*models.Job, error) {
	status, err := models.ParseJobStatus(d.Status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", d.ID, err)
	}

	return &models.Job{
		ID:           d.ID,
		SourceURL:    d.SourceURL,
		Status:       status,
		Progress:     d.Progress,
		Metadata:     d.Metadata,
		ResultURL:    d.ResultURL,
		PosterURL:    d.PosterURL,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}
