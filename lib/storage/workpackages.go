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
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ghga-de/wps/lib/workpackage"
)

// WorkPackages persists work packages keyed by their id. Work packages
// are inserted once and only ever read afterwards.
type WorkPackages struct {
	coll *mongo.Collection
}

type workPackageDoc struct {
	ID                    uuid.UUID         `bson:"_id"`
	Type                  string            `bson:"type"`
	DatasetID             string            `bson:"dataset_id,omitempty"`
	BoxID                 *uuid.UUID        `bson:"box_id,omitempty"`
	Files                 map[string]string `bson:"files"`
	UserID                uuid.UUID         `bson:"user_id"`
	FullUserName          string            `bson:"full_user_name"`
	Email                 string            `bson:"email"`
	UserPublicCrypt4ghKey string            `bson:"user_public_crypt4gh_key"`
	TokenHash             string            `bson:"token_hash"`
	Created               time.Time         `bson:"created"`
	Expires               time.Time         `bson:"expires"`
}

// Insert stores a new work package and fails on a duplicate id.
func (s *WorkPackages) Insert(ctx context.Context, wp workpackage.WorkPackage) error {
	doc := workPackageDoc{
		ID:                    wp.ID,
		Type:                  string(wp.Type),
		DatasetID:             wp.DatasetID,
		BoxID:                 wp.BoxID,
		Files:                 wp.Files,
		UserID:                wp.UserID,
		FullUserName:          wp.FullUserName,
		Email:                 wp.Email,
		UserPublicCrypt4ghKey: wp.UserPublicCrypt4ghKey,
		TokenHash:             wp.TokenHash,
		Created:               wp.Created,
		Expires:               wp.Expires,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return trace.AlreadyExists("work package %q already exists", wp.ID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// GetByID returns the work package with the given id.
func (s *WorkPackages) GetByID(ctx context.Context, id uuid.UUID) (workpackage.WorkPackage, error) {
	var doc workPackageDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return workpackage.WorkPackage{}, convertNotFound(err, "work package %q not found", id)
	}
	return workpackage.WorkPackage{
		ID:                    doc.ID,
		Type:                  workpackage.WorkPackageType(doc.Type),
		DatasetID:             doc.DatasetID,
		BoxID:                 doc.BoxID,
		Files:                 doc.Files,
		UserID:                doc.UserID,
		FullUserName:          doc.FullUserName,
		Email:                 doc.Email,
		UserPublicCrypt4ghKey: doc.UserPublicCrypt4ghKey,
		TokenHash:             doc.TokenHash,
		Created:               doc.Created.UTC(),
		Expires:               doc.Expires.UTC(),
	}, nil
}
