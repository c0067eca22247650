/*
Copyright 2021-2025 Universität Tübingen, DKFZ, EMBL, and Universität zu Köln
for the German Human Genome-Phenome Archive (GHGA)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ghga-de/wps/lib/workpackage"
)

// Datasets stores dataset projections keyed by accession.
type Datasets struct {
	coll *mongo.Collection
}

type datasetFileDoc struct {
	ID        string `bson:"id"`
	Extension string `bson:"extension"`
}

type datasetDoc struct {
	ID          string           `bson:"_id"`
	Stage       string           `bson:"stage"`
	Title       string           `bson:"title"`
	Description *string          `bson:"description"`
	Files       []datasetFileDoc `bson:"files"`
}

// Upsert idempotently replaces the dataset with the same id.
func (s *Datasets) Upsert(ctx context.Context, dataset workpackage.Dataset) error {
	files := make([]datasetFileDoc, 0, len(dataset.Files))
	for _, file := range dataset.Files {
		files = append(files, datasetFileDoc{ID: file.ID, Extension: file.Extension})
	}
	doc := datasetDoc{
		ID:          dataset.ID,
		Stage:       string(dataset.Stage),
		Title:       dataset.Title,
		Description: dataset.Description,
		Files:       files,
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": dataset.ID}, doc, options.Replace().SetUpsert(true))
	return trace.Wrap(err)
}

// GetByID returns the dataset with the given id.
func (s *Datasets) GetByID(ctx context.Context, id string) (workpackage.Dataset, error) {
	var doc datasetDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workpackage.Dataset{}, convertNotFound(err, "dataset %q not found", id)
	}
	files := make([]workpackage.DatasetFile, 0, len(doc.Files))
	for _, file := range doc.Files {
		files = append(files, workpackage.DatasetFile{ID: file.ID, Extension: file.Extension})
	}
	return workpackage.Dataset{
		ID:          doc.ID,
		Stage:       workpackage.WorkPackageType(doc.Stage),
		Title:       doc.Title,
		Description: doc.Description,
		Files:       files,
	}, nil
}

// Delete removes the dataset with the given id.
func (s *Datasets) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.DeletedCount == 0 {
		return trace.NotFound("dataset %q not found", id)
	}
	return nil
}

// UploadBoxes stores upload box projections keyed by box id.
type UploadBoxes struct {
	coll *mongo.Collection
}

type uploadBoxDoc struct {
	ID              uuid.UUID `bson:"_id"`
	FileUploadBoxID uuid.UUID `bson:"file_upload_box_id"`
	Title           string    `bson:"title"`
	Description     *string   `bson:"description"`
}

// Upsert idempotently replaces the upload box with the same id.
func (s *UploadBoxes) Upsert(ctx context.Context, box workpackage.UploadBox) error {
	doc := uploadBoxDoc{
		ID:              box.ID,
		FileUploadBoxID: box.FileUploadBoxID,
		Title:           box.Title,
		Description:     box.Description,
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": box.ID}, doc, options.Replace().SetUpsert(true))
	return trace.Wrap(err)
}

// GetByID returns the upload box with the given id.
func (s *UploadBoxes) GetByID(ctx context.Context, id uuid.UUID) (workpackage.UploadBox, error) {
	var doc uploadBoxDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workpackage.UploadBox{}, convertNotFound(err, "upload box %q not found", id)
	}
	return workpackage.UploadBox{
		ID:              doc.ID,
		FileUploadBoxID: doc.FileUploadBoxID,
		Title:           doc.Title,
		Description:     doc.Description,
	}, nil
}

// Delete removes the upload box with the given id.
func (s *UploadBoxes) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.DeletedCount == 0 {
		return trace.NotFound("upload box %q not found", id)
	}
	return nil
}

// AccessionMaps stores file accession map entries keyed by accession.
type AccessionMaps struct {
	coll *mongo.Collection
}

type accessionMapDoc struct {
	Accession string    `bson:"_id"`
	FileID    uuid.UUID `bson:"file_id"`
}

// Upsert idempotently replaces the map entry with the same accession.
func (s *AccessionMaps) Upsert(ctx context.Context, m workpackage.FileAccessionMap) error {
	doc := accessionMapDoc{Accession: m.Accession, FileID: m.FileID}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": m.Accession}, doc, options.Replace().SetUpsert(true))
	return trace.Wrap(err)
}

// GetByID returns the map entry for the given accession.
func (s *AccessionMaps) GetByID(ctx context.Context, accession string) (workpackage.FileAccessionMap, error) {
	var doc accessionMapDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": accession}).Decode(&doc); err != nil {
		return workpackage.FileAccessionMap{},
			convertNotFound(err, "accession map entry %q not found", accession)
	}
	return workpackage.FileAccessionMap{Accession: doc.Accession, FileID: doc.FileID}, nil
}

// Delete removes the map entry for the given accession.
func (s *AccessionMaps) Delete(ctx context.Context, accession string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": accession})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.DeletedCount == 0 {
		return trace.NotFound("accession map entry %q not found", accession)
	}
	return nil
}
