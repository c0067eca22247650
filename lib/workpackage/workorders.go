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

package workpackage

import (
	"encoding/json"

	"github.com/google/uuid"
)

// WorkOrderType discriminates the work order token variants.
type WorkOrderType string

const (
	// WorkOrderDownload authorizes downloading one dataset file.
	WorkOrderDownload WorkOrderType = "download"
	// WorkOrderView authorizes viewing the state of an upload box.
	WorkOrderView WorkOrderType = "view"
	// WorkOrderCreate authorizes registering a new file in an upload box.
	WorkOrderCreate WorkOrderType = "create"
	// WorkOrderUpload authorizes uploading the content of a file.
	WorkOrderUpload WorkOrderType = "upload"
	// WorkOrderClose authorizes closing an uploaded file.
	WorkOrderClose WorkOrderType = "close"
	// WorkOrderDelete authorizes deleting a file from an upload box.
	WorkOrderDelete WorkOrderType = "delete"
)

// WorkOrder is the claim set of a work order token. Each variant carries
// exactly the fields of its work type; the work_type claim is emitted by
// the variant itself, so cross-typed claim sets cannot be constructed.
type WorkOrder interface {
	// WorkType returns the discriminant of the variant.
	WorkType() WorkOrderType

	workOrder()
}

// DownloadWorkOrder authorizes the download of a single dataset file.
type DownloadWorkOrder struct {
	// FileID is the file id recognised by the download service. It is
	// resolved through the accession map; where no map entry exists yet
	// the accession itself is carried.
	FileID string `json:"file_id"`
	// Accession is the stable accession of the file.
	Accession             string `json:"accession"`
	UserPublicCrypt4ghKey string `json:"user_public_crypt4gh_key"`
}

// ViewFileBoxWorkOrder authorizes viewing an upload box.
type ViewFileBoxWorkOrder struct {
	BoxID                 uuid.UUID `json:"box_id"`
	UserPublicCrypt4ghKey string    `json:"user_public_crypt4gh_key"`
}

// CreateFileWorkOrder authorizes registering a new file under an alias.
type CreateFileWorkOrder struct {
	Alias                 string    `json:"alias"`
	BoxID                 uuid.UUID `json:"box_id"`
	UserPublicCrypt4ghKey string    `json:"user_public_crypt4gh_key"`
}

// UploadFileWorkOrder authorizes uploading the content of a file.
type UploadFileWorkOrder struct {
	FileID                uuid.UUID `json:"file_id"`
	BoxID                 uuid.UUID `json:"box_id"`
	UserPublicCrypt4ghKey string    `json:"user_public_crypt4gh_key"`
}

// CloseFileWorkOrder authorizes closing an uploaded file.
type CloseFileWorkOrder struct {
	FileID                uuid.UUID `json:"file_id"`
	BoxID                 uuid.UUID `json:"box_id"`
	UserPublicCrypt4ghKey string    `json:"user_public_crypt4gh_key"`
}

// DeleteFileWorkOrder authorizes deleting a file from an upload box.
type DeleteFileWorkOrder struct {
	FileID                uuid.UUID `json:"file_id"`
	BoxID                 uuid.UUID `json:"box_id"`
	UserPublicCrypt4ghKey string    `json:"user_public_crypt4gh_key"`
}

// WorkType implements WorkOrder.
func (DownloadWorkOrder) WorkType() WorkOrderType { return WorkOrderDownload }

// WorkType implements WorkOrder.
func (ViewFileBoxWorkOrder) WorkType() WorkOrderType { return WorkOrderView }

// WorkType implements WorkOrder.
func (CreateFileWorkOrder) WorkType() WorkOrderType { return WorkOrderCreate }

// WorkType implements WorkOrder.
func (UploadFileWorkOrder) WorkType() WorkOrderType { return WorkOrderUpload }

// WorkType implements WorkOrder.
func (CloseFileWorkOrder) WorkType() WorkOrderType { return WorkOrderClose }

// WorkType implements WorkOrder.
func (DeleteFileWorkOrder) WorkType() WorkOrderType { return WorkOrderDelete }

func (DownloadWorkOrder) workOrder()    {}
func (ViewFileBoxWorkOrder) workOrder() {}
func (CreateFileWorkOrder) workOrder()  {}
func (UploadFileWorkOrder) workOrder()  {}
func (CloseFileWorkOrder) workOrder()   {}
func (DeleteFileWorkOrder) workOrder()  {}

// MarshalJSON emits the flat claim object including the work_type claim.
func (o DownloadWorkOrder) MarshalJSON() ([]byte, error) {
	type bare DownloadWorkOrder
	return json.Marshal(struct {
		WorkType WorkOrderType `json:"work_type"`
		bare
	}{o.WorkType(), bare(o)})
}

// MarshalJSON emits the flat claim object including the work_type claim.
func (o ViewFileBoxWorkOrder) MarshalJSON() ([]byte, error) {
	type bare ViewFileBoxWorkOrder
	return json.Marshal(struct {
		WorkType WorkOrderType `json:"work_type"`
		bare
	}{o.WorkType(), bare(o)})
}

// MarshalJSON emits the flat claim object including the work_type claim.
func (o CreateFileWorkOrder) MarshalJSON() ([]byte, error) {
	type bare CreateFileWorkOrder
	return json.Marshal(struct {
		WorkType WorkOrderType `json:"work_type"`
		bare
	}{o.WorkType(), bare(o)})
}

// MarshalJSON emits the flat claim object including the work_type claim.
func (o UploadFileWorkOrder) MarshalJSON() ([]byte, error) {
	type bare UploadFileWorkOrder
	return json.Marshal(struct {
		WorkType WorkOrderType `json:"work_type"`
		bare
	}{o.WorkType(), bare(o)})
}

// MarshalJSON emits the flat claim object including the work_type claim.
func (o CloseFileWorkOrder) MarshalJSON() ([]byte, error) {
	type bare CloseFileWorkOrder
	return json.Marshal(struct {
		WorkType WorkOrderType `json:"work_type"`
		bare
	}{o.WorkType(), bare(o)})
}

// MarshalJSON emits the flat claim object including the work_type claim.
func (o DeleteFileWorkOrder) MarshalJSON() ([]byte, error) {
	type bare DeleteFileWorkOrder
	return json.Marshal(struct {
		WorkType WorkOrderType `json:"work_type"`
		bare
	}{o.WorkType(), bare(o)})
}
