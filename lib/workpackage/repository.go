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
	"context"
	"crypto/subtle"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ghga-de/wps"
	"github.com/ghga-de/wps/lib/crypt"
)

// DatasetStore is the projection store for datasets.
type DatasetStore interface {
	Upsert(ctx context.Context, dataset Dataset) error
	GetByID(ctx context.Context, id string) (Dataset, error)
	Delete(ctx context.Context, id string) error
}

// UploadBoxStore is the projection store for upload boxes.
type UploadBoxStore interface {
	Upsert(ctx context.Context, box UploadBox) error
	GetByID(ctx context.Context, id uuid.UUID) (UploadBox, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// AccessionMapStore is the projection store for file accession maps.
type AccessionMapStore interface {
	Upsert(ctx context.Context, m FileAccessionMap) error
	GetByID(ctx context.Context, accession string) (FileAccessionMap, error)
	Delete(ctx context.Context, accession string) error
}

// WorkPackageStore persists work packages. Work packages are never
// updated or deleted; expiry is implicit via the expires field.
type WorkPackageStore interface {
	Insert(ctx context.Context, workPackage WorkPackage) error
	GetByID(ctx context.Context, id uuid.UUID) (WorkPackage, error)
}

// AccessChecker queries the external authorization service. A nil expiry
// without an error means that no access is granted; an error means the
// check itself failed and the caller must fail closed.
type AccessChecker interface {
	CheckDownloadAccess(ctx context.Context, userID uuid.UUID, datasetID string) (*time.Time, error)
	ListDownloadDatasets(ctx context.Context, userID uuid.UUID) (map[string]time.Time, error)
	CheckUploadAccess(ctx context.Context, userID, boxID uuid.UUID) (*time.Time, error)
	ListUploadBoxes(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]time.Time, error)
}

// Config holds the dependencies and parameters of the Repository.
type Config struct {
	// ValidDays is the service ceiling for work package lifetimes.
	ValidDays int
	// Signer signs work order tokens.
	Signer *crypt.Signer
	// AccessCheck queries the external authorization service.
	AccessCheck AccessChecker
	// Datasets, UploadBoxes, AccessionMaps are the projection stores.
	Datasets      DatasetStore
	UploadBoxes   UploadBoxStore
	AccessionMaps AccessionMapStore
	// WorkPackages persists the work packages themselves.
	WorkPackages WorkPackageStore
	// Clock is used for creation and expiry decisions.
	Clock clockwork.Clock
	// Logger is an optional logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Signer == nil {
		return trace.BadParameter("missing parameter Signer")
	}
	if c.AccessCheck == nil {
		return trace.BadParameter("missing parameter AccessCheck")
	}
	if c.Datasets == nil || c.UploadBoxes == nil || c.AccessionMaps == nil {
		return trace.BadParameter("missing projection store")
	}
	if c.WorkPackages == nil {
		return trace.BadParameter("missing parameter WorkPackages")
	}
	if c.ValidDays <= 0 {
		c.ValidDays = DefaultValidDays
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With(wps.ComponentKey, wps.ComponentRepository)
	return nil
}

// DefaultValidDays is how many days a work package and its access token
// stay valid unless the access grant expires earlier.
const DefaultValidDays = 30

// Repository is the work package engine. It is the only component that
// mutates the stores and the only caller of the access checker and the
// signer.
type Repository struct {
	cfg Config
	log *slog.Logger
}

// NewRepository creates a Repository from the given configuration.
func NewRepository(cfg Config) (*Repository, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Repository{cfg: cfg, log: cfg.Logger}, nil
}

// Create validates the creation request against the authorization
// service and the local projections, persists a new work package and
// returns its id together with the sealed access token.
func (r *Repository) Create(
	ctx context.Context,
	creationData WorkPackageCreationData,
	authContext AuthContext,
) (*WorkPackageCreationResponse, error) {
	userID, err := uuid.Parse(authContext.ID)
	if err != nil {
		return nil, trace.AccessDenied("No internal user specified")
	}
	if err := creationData.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var (
		accessExpiry *time.Time
		files        map[string]string
	)
	switch creationData.Type {
	case Download:
		accessExpiry, err = r.cfg.AccessCheck.CheckDownloadAccess(
			ctx, userID, creationData.DatasetID)
		if err != nil {
			r.log.ErrorContext(ctx, "Access check failed",
				"user_id", userID, "dataset_id", creationData.DatasetID, "error", err)
			return nil, trace.AccessDenied("Failed to check download access")
		}
		if accessExpiry == nil {
			return nil, trace.AccessDenied("Missing dataset access permission")
		}
		dataset, err := r.cfg.Datasets.GetByID(ctx, creationData.DatasetID)
		if err != nil {
			r.log.ErrorContext(ctx, "Cannot load dataset",
				"dataset_id", creationData.DatasetID, "error", err)
			return nil, trace.AccessDenied("Cannot determine dataset files")
		}
		files = selectFiles(dataset, creationData.FileIDs)
		if len(files) == 0 {
			return nil, trace.AccessDenied("No existing files have been specified")
		}
	case Upload:
		accessExpiry, err = r.cfg.AccessCheck.CheckUploadAccess(
			ctx, userID, *creationData.BoxID)
		if err != nil {
			r.log.ErrorContext(ctx, "Access check failed",
				"user_id", userID, "box_id", creationData.BoxID, "error", err)
			return nil, trace.AccessDenied("Failed to check upload access")
		}
		if accessExpiry == nil {
			return nil, trace.AccessDenied("Missing upload box access permission")
		}
		// Files arrive dynamically; the work package does not fix them.
		files = map[string]string{}
	}

	created := r.cfg.Clock.Now().UTC().Truncate(time.Millisecond)
	expires := created.AddDate(0, 0, r.cfg.ValidDays)
	// The grant's own expiry bounds the work package; the service
	// ceiling prevents indefinite packages against perpetual grants.
	if grantExpiry := accessExpiry.UTC().Truncate(time.Millisecond); grantExpiry.Before(expires) {
		expires = grantExpiry
	}

	token, err := crypt.GenerateAccessToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	workPackage := WorkPackage{
		ID:                    uuid.New(),
		Type:                  creationData.Type,
		DatasetID:             creationData.DatasetID,
		BoxID:                 creationData.BoxID,
		Files:                 files,
		UserID:                userID,
		FullUserName:          authContext.FullUserName(),
		Email:                 authContext.Email,
		UserPublicCrypt4ghKey: creationData.UserPublicCrypt4ghKey,
		TokenHash:             crypt.HashToken(token),
		Created:               created,
		Expires:               expires,
	}
	if err := r.cfg.WorkPackages.Insert(ctx, workPackage); err != nil {
		return nil, trace.Wrap(err)
	}

	sealedToken, err := crypt.Seal(token, workPackage.UserPublicCrypt4ghKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.log.InfoContext(ctx, "Work package created",
		"work_package_id", workPackage.ID, "work_type", workPackage.Type,
		"user_id", userID, "expires", expires)

	return &WorkPackageCreationResponse{
		ID:      workPackage.ID,
		Token:   sealedToken,
		Expires: expires,
	}, nil
}

// selectFiles materializes the accession to extension mapping for the
// requested subset of dataset files, preserving the dataset order. A nil
// subset selects all files.
func selectFiles(dataset Dataset, fileIDs []string) map[string]string {
	var requested map[string]struct{}
	if fileIDs != nil {
		requested = make(map[string]struct{}, len(fileIDs))
		for _, id := range fileIDs {
			requested[id] = struct{}{}
		}
	}
	files := make(map[string]string)
	for _, file := range dataset.Files {
		if requested != nil {
			if _, ok := requested[file.ID]; !ok {
				continue
			}
		}
		files[file.ID] = file.Extension
	}
	return files
}

// Get fetches a work package. When an access token is supplied its hash
// must match the stored token hash. When checkValid is set, the validity
// window is enforced and the upstream authorization is re-checked, so
// that revoked grants are caught lazily at redemption time.
func (r *Repository) Get(
	ctx context.Context,
	workPackageID uuid.UUID,
	checkValid bool,
	accessToken string,
) (*WorkPackage, error) {
	workPackage, err := r.cfg.WorkPackages.GetByID(ctx, workPackageID)
	if err != nil {
		r.log.ErrorContext(ctx, "Work package lookup failed",
			"work_package_id", workPackageID, "error", err)
		return nil, trace.AccessDenied("Work package not found")
	}

	if accessToken != "" {
		hash := crypt.HashToken(accessToken)
		if subtle.ConstantTimeCompare([]byte(hash), []byte(workPackage.TokenHash)) != 1 {
			return nil, trace.AccessDenied("Invalid work package access token")
		}
	}

	if checkValid {
		now := r.cfg.Clock.Now().UTC()
		if now.Before(workPackage.Created) || !now.Before(workPackage.Expires) {
			return nil, trace.AccessDenied("Work package has expired")
		}
		switch workPackage.Type {
		case Download:
			expiry, err := r.cfg.AccessCheck.CheckDownloadAccess(
				ctx, workPackage.UserID, workPackage.DatasetID)
			if err != nil {
				r.log.ErrorContext(ctx, "Access check failed",
					"work_package_id", workPackageID, "error", err)
				return nil, trace.AccessDenied("Failed to check download access")
			}
			if expiry == nil {
				return nil, trace.AccessDenied("Download access has been revoked")
			}
		case Upload:
			expiry, err := r.cfg.AccessCheck.CheckUploadAccess(
				ctx, workPackage.UserID, *workPackage.BoxID)
			if err != nil {
				r.log.ErrorContext(ctx, "Access check failed",
					"work_package_id", workPackageID, "error", err)
				return nil, trace.AccessDenied("Failed to check upload access")
			}
			if expiry == nil {
				return nil, trace.AccessDenied("Upload access has been revoked")
			}
		}
	}

	return &workPackage, nil
}

// GetDownloadWorkOrderToken mints a work order token for downloading one
// file of a download work package. The token is signed and then sealed
// to the user's public Crypt4GH key.
func (r *Repository) GetDownloadWorkOrderToken(
	ctx context.Context,
	workPackageID uuid.UUID,
	accession string,
	accessToken string,
) (string, error) {
	workPackage, err := r.Get(ctx, workPackageID, true, accessToken)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if workPackage.Type != Download {
		return "", trace.AccessDenied("Not a download work package")
	}
	if _, ok := workPackage.Files[accession]; !ok {
		return "", trace.AccessDenied("File is not contained in work package")
	}

	// The accession map is propagated asynchronously; until the entry
	// arrives the accession itself is carried as the file id.
	fileID := accession
	if mapping, err := r.cfg.AccessionMaps.GetByID(ctx, accession); err == nil {
		fileID = mapping.FileID.String()
	} else if !trace.IsNotFound(err) {
		return "", trace.Wrap(err)
	}

	workOrder := DownloadWorkOrder{
		FileID:                fileID,
		Accession:             accession,
		UserPublicCrypt4ghKey: workPackage.UserPublicCrypt4ghKey,
	}
	return r.sealWorkOrder(ctx, workOrder, workPackage)
}

// GetUploadWorkOrderToken mints a work order token for one operation on
// an upload box. The minted claims carry the file upload box id, which
// is what the downstream file upload service expects.
func (r *Repository) GetUploadWorkOrderToken(
	ctx context.Context,
	workPackageID uuid.UUID,
	boxID uuid.UUID,
	req UploadWorkOrderTokenRequest,
	accessToken string,
) (string, error) {
	workPackage, err := r.Get(ctx, workPackageID, true, accessToken)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if workPackage.Type != Upload {
		return "", trace.AccessDenied("Not an upload work package")
	}
	if workPackage.BoxID == nil || *workPackage.BoxID != boxID {
		return "", trace.AccessDenied("Upload box is not contained in work package")
	}
	if err := req.Check(); err != nil {
		return "", trace.AccessDenied("%s", trace.UserMessage(err))
	}

	box, err := r.cfg.UploadBoxes.GetByID(ctx, boxID)
	if err != nil {
		r.log.ErrorContext(ctx, "Cannot load upload box",
			"box_id", boxID, "error", err)
		return "", trace.AccessDenied("Cannot determine upload box")
	}

	key := workPackage.UserPublicCrypt4ghKey
	var workOrder WorkOrder
	switch req.WorkType {
	case WorkOrderView:
		workOrder = ViewFileBoxWorkOrder{
			BoxID:                 box.FileUploadBoxID,
			UserPublicCrypt4ghKey: key,
		}
	case WorkOrderCreate:
		workOrder = CreateFileWorkOrder{
			Alias:                 *req.Alias,
			BoxID:                 box.FileUploadBoxID,
			UserPublicCrypt4ghKey: key,
		}
	case WorkOrderUpload:
		workOrder = UploadFileWorkOrder{
			FileID:                *req.FileID,
			BoxID:                 box.FileUploadBoxID,
			UserPublicCrypt4ghKey: key,
		}
	case WorkOrderClose:
		workOrder = CloseFileWorkOrder{
			FileID:                *req.FileID,
			BoxID:                 box.FileUploadBoxID,
			UserPublicCrypt4ghKey: key,
		}
	case WorkOrderDelete:
		workOrder = DeleteFileWorkOrder{
			FileID:                *req.FileID,
			BoxID:                 box.FileUploadBoxID,
			UserPublicCrypt4ghKey: key,
		}
	}
	return r.sealWorkOrder(ctx, workOrder, workPackage)
}

func (r *Repository) sealWorkOrder(
	ctx context.Context, workOrder WorkOrder, workPackage *WorkPackage,
) (string, error) {
	signed, err := r.cfg.Signer.Sign(workOrder)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sealed, err := crypt.Seal(signed, workPackage.UserPublicCrypt4ghKey)
	if err != nil {
		return "", trace.Wrap(err)
	}
	r.log.InfoContext(ctx, "Work order token minted",
		"work_package_id", workPackage.ID, "work_type", workOrder.WorkType())
	return sealed, nil
}

// RegisterDataset upserts a dataset projection.
func (r *Repository) RegisterDataset(ctx context.Context, dataset Dataset) error {
	if err := dataset.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.cfg.Datasets.Upsert(ctx, dataset))
}

// DeleteDataset removes a dataset projection. Deleting a dataset that is
// already gone is a success, which keeps the event handler loopable.
func (r *Repository) DeleteDataset(ctx context.Context, datasetID string) error {
	err := r.cfg.Datasets.Delete(ctx, datasetID)
	if trace.IsNotFound(err) {
		r.log.InfoContext(ctx, "Dataset already deleted", "dataset_id", datasetID)
		return nil
	}
	return trace.Wrap(err)
}

// GetDataset returns a registered dataset by id.
func (r *Repository) GetDataset(ctx context.Context, datasetID string) (Dataset, error) {
	dataset, err := r.cfg.Datasets.GetByID(ctx, datasetID)
	return dataset, trace.Wrap(err)
}

// RegisterUploadBox upserts an upload box projection.
func (r *Repository) RegisterUploadBox(ctx context.Context, box UploadBox) error {
	if err := box.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.cfg.UploadBoxes.Upsert(ctx, box))
}

// DeleteUploadBox removes an upload box projection, treating "already
// deleted" as success.
func (r *Repository) DeleteUploadBox(ctx context.Context, boxID uuid.UUID) error {
	err := r.cfg.UploadBoxes.Delete(ctx, boxID)
	if trace.IsNotFound(err) {
		r.log.InfoContext(ctx, "Upload box already deleted", "box_id", boxID)
		return nil
	}
	return trace.Wrap(err)
}

// RegisterAccessionMap upserts a file accession map entry.
func (r *Repository) RegisterAccessionMap(ctx context.Context, m FileAccessionMap) error {
	if err := m.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.cfg.AccessionMaps.Upsert(ctx, m))
}

// DeleteAccessionMap removes a file accession map entry, treating
// "already deleted" as success.
func (r *Repository) DeleteAccessionMap(ctx context.Context, accession string) error {
	err := r.cfg.AccessionMaps.Delete(ctx, accession)
	if trace.IsNotFound(err) {
		r.log.InfoContext(ctx, "Accession map already deleted", "accession", accession)
		return nil
	}
	return trace.Wrap(err)
}

// GetDatasets lists the datasets the given user may download, together
// with the expiry of each grant. Datasets that have not been propagated
// into the local projection yet are skipped.
func (r *Repository) GetDatasets(
	ctx context.Context, userID uuid.UUID,
) ([]DatasetWithExpiration, error) {
	grants, err := r.cfg.AccessCheck.ListDownloadDatasets(ctx, userID)
	if err != nil {
		r.log.ErrorContext(ctx, "Access check failed", "user_id", userID, "error", err)
		return nil, trace.AccessDenied("Failed to check download access")
	}

	ids := make([]string, 0, len(grants))
	for id := range grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	datasets := make([]DatasetWithExpiration, 0, len(ids))
	for _, id := range ids {
		dataset, err := r.cfg.Datasets.GetByID(ctx, id)
		if err != nil {
			if trace.IsNotFound(err) {
				// Normal during propagation lag.
				r.log.DebugContext(ctx, "Dataset not found, skipping", "dataset_id", id)
				continue
			}
			return nil, trace.Wrap(err)
		}
		datasets = append(datasets, DatasetWithExpiration{
			Dataset: dataset,
			Expires: grants[id],
		})
	}
	return datasets, nil
}

// GetUploadBoxes lists the upload boxes the given user may upload into,
// dropping boxes whose grant has already expired or that have not been
// propagated yet.
func (r *Repository) GetUploadBoxes(
	ctx context.Context, userID uuid.UUID,
) ([]BoxWithExpiration, error) {
	grants, err := r.cfg.AccessCheck.ListUploadBoxes(ctx, userID)
	if err != nil {
		r.log.ErrorContext(ctx, "Access check failed", "user_id", userID, "error", err)
		return nil, trace.AccessDenied("Failed to check upload access")
	}

	ids := make([]uuid.UUID, 0, len(grants))
	for id := range grants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	now := r.cfg.Clock.Now()
	boxes := make([]BoxWithExpiration, 0, len(ids))
	for _, id := range ids {
		if !grants[id].After(now) {
			continue
		}
		box, err := r.cfg.UploadBoxes.GetByID(ctx, id)
		if err != nil {
			if trace.IsNotFound(err) {
				r.log.DebugContext(ctx, "Upload box not found, skipping", "box_id", id)
				continue
			}
			return nil, trace.Wrap(err)
		}
		boxes = append(boxes, BoxWithExpiration{
			UploadBox: box,
			Expires:   grants[id],
		})
	}
	return boxes, nil
}
