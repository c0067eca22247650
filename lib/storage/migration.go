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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// The v2 schema migration converts legacy work package documents where
// the _id is a string UUID and created/expires are ISO-8601 strings into
// native UUID and datetime types. Datetimes are truncated to millisecond
// precision, which makes the rollback lossless up to that truncation.

var migratedDateFields = []string{"created", "expires"}

// MigrateWorkPackagesV2 converts all legacy work package documents in
// the given collection.
func MigrateWorkPackagesV2(ctx context.Context, db *mongo.Database, collection string, log *slog.Logger) error {
	return transformAll(ctx, db.Collection(collection), log, convertWorkPackageDocV2)
}

// RollbackWorkPackagesV2 converts the documents back to the legacy
// string representation.
func RollbackWorkPackagesV2(ctx context.Context, db *mongo.Database, collection string, log *slog.Logger) error {
	return transformAll(ctx, db.Collection(collection), log, revertWorkPackageDocV2)
}

func transformAll(
	ctx context.Context,
	coll *mongo.Collection,
	log *slog.Logger,
	transform func(bson.M) (bson.M, bool, error),
) error {
	cursor, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return trace.Wrap(err)
	}
	defer cursor.Close(ctx)

	var migrated int
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return trace.Wrap(err)
		}
		oldID := doc["_id"]
		converted, changed, err := transform(doc)
		if err != nil {
			return trace.Wrap(err)
		}
		if !changed {
			continue
		}
		// The _id changes type, so the document cannot be updated in
		// place. Insert the converted document first so that a failure
		// in between never loses data.
		if _, err := coll.InsertOne(ctx, converted); err != nil {
			return trace.Wrap(err)
		}
		if _, err := coll.DeleteOne(ctx, bson.M{"_id": oldID}); err != nil {
			return trace.Wrap(err)
		}
		migrated++
	}
	if err := cursor.Err(); err != nil {
		return trace.Wrap(err)
	}
	if log != nil {
		log.InfoContext(ctx, "Work package schema migration finished",
			"collection", coll.Name(), "migrated", migrated)
	}
	return nil
}

// convertWorkPackageDocV2 converts one legacy document. It reports false
// when the document is already in the native format.
func convertWorkPackageDocV2(doc bson.M) (bson.M, bool, error) {
	rawID, ok := doc["_id"].(string)
	if !ok {
		return doc, false, nil
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, false, trace.BadParameter("invalid work package id %q", rawID)
	}
	out := bson.M{}
	for key, value := range doc {
		out[key] = value
	}
	out["_id"] = id
	for _, field := range migratedDateFields {
		rawDate, ok := out[field].(string)
		if !ok {
			return nil, false, trace.BadParameter(
				"field %q of work package %q is not a string", field, rawID)
		}
		date, err := time.Parse(time.RFC3339Nano, rawDate)
		if err != nil {
			return nil, false, trace.BadParameter(
				"invalid %q timestamp %q of work package %q", field, rawDate, rawID)
		}
		out[field] = date.UTC().Truncate(time.Millisecond)
	}
	return out, true, nil
}

// revertWorkPackageDocV2 converts one native document back into the
// legacy string representation.
func revertWorkPackageDocV2(doc bson.M) (bson.M, bool, error) {
	var id uuid.UUID
	switch rawID := doc["_id"].(type) {
	case uuid.UUID:
		id = rawID
	case primitive.Binary:
		if rawID.Subtype != uuidSubtype {
			return nil, false, trace.BadParameter("unexpected _id binary subtype %d", rawID.Subtype)
		}
		var err error
		if id, err = uuid.FromBytes(rawID.Data); err != nil {
			return nil, false, trace.Wrap(err)
		}
	default:
		return doc, false, nil
	}
	out := bson.M{}
	for key, value := range doc {
		out[key] = value
	}
	out["_id"] = id.String()
	for _, field := range migratedDateFields {
		var date time.Time
		switch rawDate := out[field].(type) {
		case time.Time:
			date = rawDate
		case primitive.DateTime:
			date = rawDate.Time()
		default:
			return nil, false, trace.BadParameter(
				"field %q of work package %q is not a datetime", field, id)
		}
		out[field] = date.UTC().Format("2006-01-02T15:04:05.999Z07:00")
	}
	return out, true, nil
}
