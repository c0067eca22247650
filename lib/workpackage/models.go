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

// Package workpackage defines the domain model of the work package
// service and implements the work package repository, the engine that
// creates work packages and mints work order tokens from them.
package workpackage

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/ghga-de/wps/lib/crypt"
)

// WorkPackageType is the type of work that a work package describes.
type WorkPackageType string

const (
	// Download describes a work package for downloading dataset files.
	Download WorkPackageType = "download"
	// Upload describes a work package for uploading files into a box.
	Upload WorkPackageType = "upload"
)

// ParseWorkPackageType maps a stage or type string onto a WorkPackageType.
func ParseWorkPackageType(s string) (WorkPackageType, error) {
	switch WorkPackageType(strings.ToLower(s)) {
	case Download:
		return Download, nil
	case Upload:
		return Upload, nil
	}
	return "", trace.BadParameter("unknown work package type %q", s)
}

// reAccession matches stable GHGA file accessions.
var reAccession = regexp.MustCompile(`^GHGA.+`)

// MatchesAccession reports whether the given id is shaped like a GHGA
// accession.
func MatchesAccession(id string) bool {
	return reAccession.MatchString(id)
}

// DatasetFile is a file that is part of a dataset.
type DatasetFile struct {
	// ID is the file accession.
	ID string `json:"id"`
	// Extension is the file extension including the leading dot.
	Extension string `json:"extension"`
}

// Dataset is the local projection of a dataset announced by the metadata
// service.
type Dataset struct {
	ID          string          `json:"id"`
	Stage       WorkPackageType `json:"stage"`
	Title       string          `json:"title"`
	Description *string         `json:"description"`
	Files       []DatasetFile   `json:"files"`
}

// CheckAndSetDefaults validates the dataset projection.
func (d *Dataset) CheckAndSetDefaults() error {
	if d.ID == "" {
		return trace.BadParameter("dataset id is required")
	}
	if d.Stage != Download && d.Stage != Upload {
		return trace.BadParameter("unknown dataset stage %q", d.Stage)
	}
	if d.Title == "" {
		return trace.BadParameter("dataset title is required")
	}
	for _, file := range d.Files {
		if file.ID == "" {
			return trace.BadParameter("dataset file id is required")
		}
		if !strings.HasPrefix(file.Extension, ".") {
			return trace.BadParameter(
				"extension of file %q must begin with a dot", file.ID)
		}
	}
	return nil
}

// UploadBox is the local projection of a research data upload box. The
// box id is what appears in access claims; the file upload box id is
// what the downstream file upload service recognises.
type UploadBox struct {
	ID              uuid.UUID `json:"id"`
	FileUploadBoxID uuid.UUID `json:"file_upload_box_id"`
	Title           string    `json:"title"`
	Description     *string   `json:"description"`
}

// CheckAndSetDefaults validates the upload box projection.
func (b *UploadBox) CheckAndSetDefaults() error {
	if b.ID == uuid.Nil {
		return trace.BadParameter("upload box id is required")
	}
	if b.FileUploadBoxID == uuid.Nil {
		return trace.BadParameter("file upload box id is required")
	}
	if b.Title == "" {
		return trace.BadParameter("upload box title is required")
	}
	return nil
}

// FileAccessionMap maps a file accession onto the file id used by the
// downstream file services.
type FileAccessionMap struct {
	Accession string    `json:"accession"`
	FileID    uuid.UUID `json:"file_id"`
}

// CheckAndSetDefaults validates the accession map entry.
func (m *FileAccessionMap) CheckAndSetDefaults() error {
	if m.Accession == "" {
		return trace.BadParameter("accession is required")
	}
	if m.FileID == uuid.Nil {
		return trace.BadParameter("file id is required")
	}
	return nil
}

// AuthContext is the user context extracted from an inbound bearer token.
type AuthContext struct {
	// ID is the internal user id.
	ID string `json:"id"`
	// Name is the full name of the user without title.
	Name string `json:"name"`
	// Email is the email address of the user.
	Email string `json:"email"`
	// Title is an optional academic title.
	Title string `json:"title,omitempty"`
}

// FullUserName composes the user's full name including the academic
// title when one is present.
func (a AuthContext) FullUserName() string {
	if a.Title != "" {
		return a.Title + " " + a.Name
	}
	return a.Name
}

// WorkPackage is a persistent authorization artifact from which work
// order tokens can be minted until it expires or access is revoked.
type WorkPackage struct {
	ID   uuid.UUID       `json:"id"`
	Type WorkPackageType `json:"type"`
	// DatasetID is set for download work packages only.
	DatasetID string `json:"dataset_id,omitempty"`
	// BoxID is set for upload work packages only.
	BoxID *uuid.UUID `json:"box_id,omitempty"`
	// Files maps accessions of the included files to their extensions.
	// Empty for upload work packages, where files arrive dynamically.
	Files                 map[string]string `json:"files,omitempty"`
	UserID                uuid.UUID         `json:"user_id"`
	FullUserName          string            `json:"full_user_name"`
	Email                 string            `json:"email"`
	UserPublicCrypt4ghKey string            `json:"user_public_crypt4gh_key"`
	// TokenHash is the hex encoded SHA-256 hash of the opaque access
	// token. The plaintext token is never persisted.
	TokenHash string    `json:"token_hash"`
	Created   time.Time `json:"created"`
	Expires   time.Time `json:"expires"`
}

// WorkPackageCreationData is the request payload for creating a work
// package.
type WorkPackageCreationData struct {
	Type      WorkPackageType `json:"type"`
	DatasetID string          `json:"dataset_id,omitempty"`
	BoxID     *uuid.UUID      `json:"box_id,omitempty"`
	// FileIDs restricts the included files. If nil, all files of the
	// dataset are included.
	FileIDs               []string `json:"file_ids,omitempty"`
	UserPublicCrypt4ghKey string   `json:"user_public_crypt4gh_key"`
}

// CheckAndSetDefaults validates the creation request. All violations are
// collected and joined so that the caller sees the complete picture in a
// single round trip. The user public key is normalized to its unwrapped
// base64 form.
func (d *WorkPackageCreationData) CheckAndSetDefaults() error {
	var problems []string
	switch d.Type {
	case Download:
		if d.DatasetID == "" {
			problems = append(problems, "dataset_id is required for download work packages")
		}
		if d.BoxID != nil {
			problems = append(problems, "box_id must not be set for download work packages")
		}
	case Upload:
		if d.BoxID == nil {
			problems = append(problems, "box_id is required for upload work packages")
		}
		if d.DatasetID != "" {
			problems = append(problems, "dataset_id must not be set for upload work packages")
		}
		if d.FileIDs != nil {
			problems = append(problems, "file_ids must not be set for upload work packages")
		}
	default:
		problems = append(problems, "type must be download or upload")
	}
	key, err := crypt.ValidatePublicKey(d.UserPublicCrypt4ghKey)
	if err != nil {
		problems = append(problems, trace.UserMessage(err))
	} else {
		d.UserPublicCrypt4ghKey = key
	}
	if len(problems) > 0 {
		return trace.BadParameter("%s", strings.Join(problems, "; "))
	}
	return nil
}

// WorkPackageCreationResponse is returned when a work package has been
// created. The token is the opaque access token, sealed to the user's
// public Crypt4GH key.
type WorkPackageCreationResponse struct {
	ID      uuid.UUID `json:"id"`
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// WorkPackageDetails are the work package details that can be requested
// with the work package access token.
type WorkPackageDetails struct {
	Type    WorkPackageType   `json:"type"`
	Files   map[string]string `json:"files"`
	Created time.Time         `json:"created"`
	Expires time.Time         `json:"expires"`
}

// Details projects the work package onto its requestable details.
func (w WorkPackage) Details() WorkPackageDetails {
	files := w.Files
	if files == nil {
		files = map[string]string{}
	}
	return WorkPackageDetails{
		Type:    w.Type,
		Files:   files,
		Created: w.Created,
		Expires: w.Expires,
	}
}

// DatasetWithExpiration is a dataset together with the expiry of the
// user's download grant for it.
type DatasetWithExpiration struct {
	Dataset
	Expires time.Time `json:"expires"`
}

// BoxWithExpiration is an upload box together with the expiry of the
// user's upload grant for it.
type BoxWithExpiration struct {
	UploadBox
	Expires time.Time `json:"expires"`
}

// UploadWorkOrderTokenRequest is the request payload when minting a work
// order token from an upload work package.
type UploadWorkOrderTokenRequest struct {
	WorkType WorkOrderType `json:"work_type"`
	// Alias is required for create work orders only.
	Alias *string `json:"alias,omitempty"`
	// FileID is required for upload, close and delete work orders.
	FileID *uuid.UUID `json:"file_id,omitempty"`
}

// Check validates the work type and field correspondence of the request.
func (r UploadWorkOrderTokenRequest) Check() error {
	switch r.WorkType {
	case WorkOrderView:
		if r.Alias != nil || r.FileID != nil {
			return trace.BadParameter(
				"alias and file_id must not be set for view work orders")
		}
	case WorkOrderCreate:
		if r.Alias == nil || *r.Alias == "" {
			return trace.BadParameter("alias is required for create work orders")
		}
		if r.FileID != nil {
			return trace.BadParameter("file_id must not be set for create work orders")
		}
	case WorkOrderUpload, WorkOrderClose, WorkOrderDelete:
		if r.FileID == nil {
			return trace.BadParameter(
				"file_id is required for %s work orders", r.WorkType)
		}
		if r.Alias != nil {
			return trace.BadParameter(
				"alias must not be set for %s work orders", r.WorkType)
		}
	default:
		return trace.BadParameter("unknown work order type %q", r.WorkType)
	}
	return nil
}
