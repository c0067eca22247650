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

// Package storage implements the document stores of the work package
// service on top of MongoDB. Every collection is keyed by the domain id
// of the stored entity.
package storage

import (
	"context"
	"reflect"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Default collection names.
const (
	DefaultDatasetsCollection      = "datasets"
	DefaultUploadBoxesCollection   = "uploadBoxes"
	DefaultWorkPackagesCollection  = "workPackages"
	DefaultAccessionMapsCollection = "accessionMaps"
)

// Config holds the connection parameters of the document store.
type Config struct {
	// URI is the MongoDB connection string.
	URI string
	// Database is the database name.
	Database string
	// Collection names, defaulted when empty.
	DatasetsCollection      string
	UploadBoxesCollection   string
	WorkPackagesCollection  string
	AccessionMapsCollection string
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.URI == "" {
		return trace.BadParameter("missing parameter URI")
	}
	if c.Database == "" {
		return trace.BadParameter("missing parameter Database")
	}
	if c.DatasetsCollection == "" {
		c.DatasetsCollection = DefaultDatasetsCollection
	}
	if c.UploadBoxesCollection == "" {
		c.UploadBoxesCollection = DefaultUploadBoxesCollection
	}
	if c.WorkPackagesCollection == "" {
		c.WorkPackagesCollection = DefaultWorkPackagesCollection
	}
	if c.AccessionMapsCollection == "" {
		c.AccessionMapsCollection = DefaultAccessionMapsCollection
	}
	return nil
}

// Storage bundles the document stores sharing one pooled client.
type Storage struct {
	client *mongo.Client
	db     *mongo.Database

	Datasets      *Datasets
	UploadBoxes   *UploadBoxes
	AccessionMaps *AccessionMaps
	WorkPackages  *WorkPackages
}

// Open connects to the document store and returns the stores.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opts := options.Client().ApplyURI(cfg.URI).SetRegistry(Registry())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db := client.Database(cfg.Database)
	return &Storage{
		client:        client,
		db:            db,
		Datasets:      &Datasets{coll: db.Collection(cfg.DatasetsCollection)},
		UploadBoxes:   &UploadBoxes{coll: db.Collection(cfg.UploadBoxesCollection)},
		AccessionMaps: &AccessionMaps{coll: db.Collection(cfg.AccessionMapsCollection)},
		WorkPackages:  &WorkPackages{coll: db.Collection(cfg.WorkPackagesCollection)},
	}, nil
}

// Database exposes the underlying database handle, used by migrations.
func (s *Storage) Database() *mongo.Database {
	return s.db
}

// Close disconnects the underlying client.
func (s *Storage) Close(ctx context.Context) error {
	return trace.Wrap(s.client.Disconnect(ctx))
}

// uuidSubtype is the BSON binary subtype for UUIDs.
const uuidSubtype = 0x04

var uuidType = reflect.TypeOf(uuid.UUID{})

// Registry returns a BSON registry that stores uuid.UUID values as
// native BSON UUIDs (binary subtype 4).
func Registry() *bsoncodec.Registry {
	registry := bson.NewRegistry()
	registry.RegisterTypeEncoder(uuidType, bsoncodec.ValueEncoderFunc(encodeUUID))
	registry.RegisterTypeDecoder(uuidType, bsoncodec.ValueDecoderFunc(decodeUUID))
	return registry
}

func encodeUUID(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != uuidType {
		return bsoncodec.ValueEncoderError{
			Name: "encodeUUID", Types: []reflect.Type{uuidType}, Received: val,
		}
	}
	id := val.Interface().(uuid.UUID)
	return vw.WriteBinaryWithSubtype(id[:], uuidSubtype)
}

func decodeUUID(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	if !val.CanSet() || val.Type() != uuidType {
		return bsoncodec.ValueDecoderError{
			Name: "decodeUUID", Types: []reflect.Type{uuidType}, Received: val,
		}
	}
	switch vr.Type() {
	case bson.TypeBinary:
		data, subtype, err := vr.ReadBinary()
		if err != nil {
			return err
		}
		if subtype != uuidSubtype || len(data) != 16 {
			return trace.BadParameter("unsupported binary subtype %d for a UUID", subtype)
		}
		id, err := uuid.FromBytes(data)
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(id))
		return nil
	case bson.TypeString:
		// Tolerated for documents that precede the v2 migration.
		s, err := vr.ReadString()
		if err != nil {
			return err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(id))
		return nil
	}
	return trace.BadParameter("cannot decode %v as a UUID", vr.Type())
}

// convertNotFound converts driver lookup errors into the store contract.
func convertNotFound(err error, format string, args ...any) error {
	if err == mongo.ErrNoDocuments {
		return trace.NotFound(format, args...)
	}
	return trace.Wrap(err)
}
