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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghga-de/wps/lib/crypt"
)

// In-memory store fakes. They return trace.NotFound like the real
// MongoDB-backed stores do.

type fakeDatasetStore struct {
	data map[string]Dataset
}

func (s *fakeDatasetStore) Upsert(_ context.Context, dataset Dataset) error {
	s.data[dataset.ID] = dataset
	return nil
}

func (s *fakeDatasetStore) GetByID(_ context.Context, id string) (Dataset, error) {
	dataset, ok := s.data[id]
	if !ok {
		return Dataset{}, trace.NotFound("dataset %q not found", id)
	}
	return dataset, nil
}

func (s *fakeDatasetStore) Delete(_ context.Context, id string) error {
	if _, ok := s.data[id]; !ok {
		return trace.NotFound("dataset %q not found", id)
	}
	delete(s.data, id)
	return nil
}

type fakeUploadBoxStore struct {
	data map[uuid.UUID]UploadBox
}

func (s *fakeUploadBoxStore) Upsert(_ context.Context, box UploadBox) error {
	s.data[box.ID] = box
	return nil
}

func (s *fakeUploadBoxStore) GetByID(_ context.Context, id uuid.UUID) (UploadBox, error) {
	box, ok := s.data[id]
	if !ok {
		return UploadBox{}, trace.NotFound("upload box %q not found", id)
	}
	return box, nil
}

func (s *fakeUploadBoxStore) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := s.data[id]; !ok {
		return trace.NotFound("upload box %q not found", id)
	}
	delete(s.data, id)
	return nil
}

type fakeAccessionMapStore struct {
	data map[string]FileAccessionMap
}

func (s *fakeAccessionMapStore) Upsert(_ context.Context, m FileAccessionMap) error {
	s.data[m.Accession] = m
	return nil
}

func (s *fakeAccessionMapStore) GetByID(_ context.Context, accession string) (FileAccessionMap, error) {
	m, ok := s.data[accession]
	if !ok {
		return FileAccessionMap{}, trace.NotFound("accession map entry %q not found", accession)
	}
	return m, nil
}

func (s *fakeAccessionMapStore) Delete(_ context.Context, accession string) error {
	if _, ok := s.data[accession]; !ok {
		return trace.NotFound("accession map entry %q not found", accession)
	}
	delete(s.data, accession)
	return nil
}

type fakeWorkPackageStore struct {
	data map[uuid.UUID]WorkPackage
}

func (s *fakeWorkPackageStore) Insert(_ context.Context, wp WorkPackage) error {
	if _, ok := s.data[wp.ID]; ok {
		return trace.AlreadyExists("work package %q already exists", wp.ID)
	}
	s.data[wp.ID] = wp
	return nil
}

func (s *fakeWorkPackageStore) GetByID(_ context.Context, id uuid.UUID) (WorkPackage, error) {
	wp, ok := s.data[id]
	if !ok {
		return WorkPackage{}, trace.NotFound("work package %q not found", id)
	}
	return wp, nil
}

// fakeAccessChecker grants access per dataset or box, regardless of the
// user. An injected error makes every check fail.
type fakeAccessChecker struct {
	downloadGrants map[string]time.Time
	uploadGrants   map[uuid.UUID]time.Time
	err            error
}

func (c *fakeAccessChecker) CheckDownloadAccess(
	_ context.Context, _ uuid.UUID, datasetID string,
) (*time.Time, error) {
	if c.err != nil {
		return nil, c.err
	}
	if expiry, ok := c.downloadGrants[datasetID]; ok {
		return &expiry, nil
	}
	return nil, nil
}

func (c *fakeAccessChecker) ListDownloadDatasets(
	_ context.Context, _ uuid.UUID,
) (map[string]time.Time, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.downloadGrants, nil
}

func (c *fakeAccessChecker) CheckUploadAccess(
	_ context.Context, _ uuid.UUID, boxID uuid.UUID,
) (*time.Time, error) {
	if c.err != nil {
		return nil, c.err
	}
	if expiry, ok := c.uploadGrants[boxID]; ok {
		return &expiry, nil
	}
	return nil, nil
}

func (c *fakeAccessChecker) ListUploadBoxes(
	_ context.Context, _ uuid.UUID,
) (map[uuid.UUID]time.Time, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.uploadGrants, nil
}

var (
	testNow         = time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	testGrantExpiry = time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	testUserID      = uuid.MustParse("a86f8281-e18a-429e-88a9-a5c8ea0cf754")
	testBoxID       = uuid.MustParse("91ba4d24-58cb-4c02-9b1d-2d1f131d79f8")
	testFileBoxID   = uuid.MustParse("3fa85f64-5717-4562-b3fc-2c963f66afa6")
)

type testEnv struct {
	repo      *Repository
	clock     *clockwork.FakeClock
	access    *fakeAccessChecker
	datasets  *fakeDatasetStore
	boxes     *fakeUploadBoxStore
	mappings  *fakeAccessionMapStore
	packages  *fakeWorkPackageStore
	verifyKey *ecdsa.PublicKey

	userKey     string
	userPub     *[crypt.KeySize]byte
	userPriv    *[crypt.KeySize]byte
	authContext AuthContext
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testNow)

	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwkJSON, err := (&jose.JSONWebKey{
		Key: signingKey, Algorithm: string(jose.ES256),
	}).MarshalJSON()
	require.NoError(t, err)
	signer, err := crypt.NewSigner(jwkJSON, clock)
	require.NoError(t, err)

	userKey, userPub, userPriv, err := crypt.GenerateKeyPair()
	require.NoError(t, err)

	env := &testEnv{
		clock: clock,
		access: &fakeAccessChecker{
			downloadGrants: map[string]time.Time{"some-dataset-id": testGrantExpiry},
			uploadGrants:   map[uuid.UUID]time.Time{testBoxID: testGrantExpiry},
		},
		datasets: &fakeDatasetStore{data: map[string]Dataset{
			"some-dataset-id": {
				ID:    "some-dataset-id",
				Stage: Download,
				Title: "Some dataset",
				Files: []DatasetFile{
					{ID: "GHGA001", Extension: ".json"},
					{ID: "GHGA002", Extension: ".csv"},
					{ID: "GHGA003", Extension: ".bam"},
				},
			},
		}},
		boxes: &fakeUploadBoxStore{data: map[uuid.UUID]UploadBox{
			testBoxID: {
				ID:              testBoxID,
				FileUploadBoxID: testFileBoxID,
				Title:           "Some upload box",
			},
		}},
		mappings:  &fakeAccessionMapStore{data: map[string]FileAccessionMap{}},
		packages:  &fakeWorkPackageStore{data: map[uuid.UUID]WorkPackage{}},
		verifyKey: &signingKey.PublicKey,
		userKey:   userKey,
		userPub:   userPub,
		userPriv:  userPriv,
		authContext: AuthContext{
			ID:    testUserID.String(),
			Name:  "John Doe",
			Email: "john@home.org",
			Title: "Dr.",
		},
	}

	env.repo, err = NewRepository(Config{
		Signer:        signer,
		AccessCheck:   env.access,
		Datasets:      env.datasets,
		UploadBoxes:   env.boxes,
		AccessionMaps: env.mappings,
		WorkPackages:  env.packages,
		Clock:         clock,
	})
	require.NoError(t, err)
	return env
}

// unseal opens a sealed box addressed to the test user.
func (e *testEnv) unseal(t *testing.T, sealed string) string {
	t.Helper()
	plaintext, err := crypt.Open(sealed, e.userPub, e.userPriv)
	require.NoError(t, err)
	return plaintext
}

// unsealWorkOrder opens a sealed work order token and verifies its
// signature, returning the claims.
func (e *testEnv) unsealWorkOrder(t *testing.T, sealed string) map[string]any {
	t.Helper()
	signed := e.unseal(t, sealed)
	parsed, err := jwt.ParseSigned(signed, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, parsed.Claims(e.verifyKey, &claims))
	return claims
}

func (e *testEnv) createDownloadPackage(t *testing.T, fileIDs []string) (*WorkPackageCreationResponse, string) {
	t.Helper()
	resp, err := e.repo.Create(context.Background(), WorkPackageCreationData{
		Type:                  Download,
		DatasetID:             "some-dataset-id",
		FileIDs:               fileIDs,
		UserPublicCrypt4ghKey: e.userKey,
	}, e.authContext)
	require.NoError(t, err)
	return resp, e.unseal(t, resp.Token)
}

func (e *testEnv) createUploadPackage(t *testing.T) (*WorkPackageCreationResponse, string) {
	t.Helper()
	boxID := testBoxID
	resp, err := e.repo.Create(context.Background(), WorkPackageCreationData{
		Type:                  Upload,
		BoxID:                 &boxID,
		UserPublicCrypt4ghKey: e.userKey,
	}, e.authContext)
	require.NoError(t, err)
	return resp, e.unseal(t, resp.Token)
}

func TestCreateDownloadWorkPackage(t *testing.T) {
	env := newTestEnv(t)

	resp, token := env.createDownloadPackage(t, []string{"GHGA001", "GHGA003"})

	// The sealed token opens to a 24 character alphanumeric token whose
	// hash matches the stored one.
	require.Len(t, token, crypt.AccessTokenLength)
	stored := env.packages.data[resp.ID]
	assert.Equal(t, crypt.HashToken(token), stored.TokenHash)

	// Only the requested files that exist in the dataset are included.
	assert.Equal(t, map[string]string{"GHGA001": ".json", "GHGA003": ".bam"}, stored.Files)
	assert.Equal(t, testUserID, stored.UserID)
	assert.Equal(t, "Dr. John Doe", stored.FullUserName)
	assert.Equal(t, env.userKey, stored.UserPublicCrypt4ghKey)

	// The service ceiling of 30 days is earlier than the grant expiry.
	assert.Equal(t, testNow, stored.Created)
	assert.Equal(t, testNow.AddDate(0, 0, 30), resp.Expires)
}

func TestCreateBoundsExpiryByGrant(t *testing.T) {
	env := newTestEnv(t)
	grantExpiry := testNow.Add(48 * time.Hour)
	env.access.downloadGrants["some-dataset-id"] = grantExpiry

	resp, _ := env.createDownloadPackage(t, nil)
	assert.Equal(t, grantExpiry, resp.Expires)
}

func TestCreateSelectsAllFilesByDefault(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.createDownloadPackage(t, nil)
	stored := env.packages.data[resp.ID]
	assert.Equal(t, map[string]string{
		"GHGA001": ".json", "GHGA002": ".csv", "GHGA003": ".bam",
	}, stored.Files)
}

func TestCreateDownloadDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func()
		data    WorkPackageCreationData
		auth    AuthContext
		wantErr string
	}{
		{
			name: "external user",
			auth: AuthContext{ID: "john@aai.org", Name: "John Doe"},
			data: WorkPackageCreationData{
				Type: Download, DatasetID: "some-dataset-id",
				UserPublicCrypt4ghKey: env.userKey,
			},
			wantErr: "No internal user specified",
		},
		{
			name: "no grant",
			auth: env.authContext,
			data: WorkPackageCreationData{
				Type: Download, DatasetID: "another-dataset-id",
				UserPublicCrypt4ghKey: env.userKey,
			},
			wantErr: "Missing dataset access permission",
		},
		{
			name:    "access check fails",
			prepare: func() { env.access.err = trace.ConnectionProblem(nil, "down") },
			auth:    env.authContext,
			data: WorkPackageCreationData{
				Type: Download, DatasetID: "some-dataset-id",
				UserPublicCrypt4ghKey: env.userKey,
			},
			wantErr: "Failed to check download access",
		},
		{
			name: "granted dataset not propagated",
			prepare: func() {
				env.access.err = nil
				env.access.downloadGrants["unseen-dataset-id"] = testGrantExpiry
			},
			auth: env.authContext,
			data: WorkPackageCreationData{
				Type: Download, DatasetID: "unseen-dataset-id",
				UserPublicCrypt4ghKey: env.userKey,
			},
			wantErr: "Cannot determine dataset files",
		},
		{
			name: "no requested file exists",
			auth: env.authContext,
			data: WorkPackageCreationData{
				Type: Download, DatasetID: "some-dataset-id",
				FileIDs:               []string{"GHGA999"},
				UserPublicCrypt4ghKey: env.userKey,
			},
			wantErr: "No existing files have been specified",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.prepare != nil {
				tt.prepare()
			}
			_, err := env.repo.Create(ctx, tt.data, tt.auth)
			require.True(t, trace.IsAccessDenied(err))
			assert.Equal(t, tt.wantErr, trace.UserMessage(err))
		})
	}
}

func TestGetWorkPackage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, token := env.createDownloadPackage(t, []string{"GHGA001"})

	wp, err := env.repo.Get(ctx, resp.ID, true, token)
	require.NoError(t, err)
	assert.Equal(t, Download, wp.Type)
	assert.Equal(t, map[string]string{"GHGA001": ".json"}, wp.Files)

	_, err = env.repo.Get(ctx, resp.ID, true, "WrongTokenWrongTokenWron")
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "Invalid work package access token", trace.UserMessage(err))

	_, err = env.repo.Get(ctx, uuid.New(), true, token)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "Work package not found", trace.UserMessage(err))
}

func TestGetExpiredWorkPackage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, token := env.createDownloadPackage(t, nil)

	env.clock.Advance(31 * 24 * time.Hour)
	_, err := env.repo.Get(ctx, resp.ID, true, token)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "Work package has expired", trace.UserMessage(err))
}

func TestGetRevokedWorkPackage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, token := env.createDownloadPackage(t, nil)

	// The upstream grant disappears after creation. The work package is
	// still within its window but must no longer be usable.
	delete(env.access.downloadGrants, "some-dataset-id")
	_, err := env.repo.Get(ctx, resp.ID, true, token)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "Download access has been revoked", trace.UserMessage(err))

	// Without the validity check the package is still readable.
	_, err = env.repo.Get(ctx, resp.ID, false, token)
	require.NoError(t, err)
}

func TestGetRevokedUploadWorkPackage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, token := env.createUploadPackage(t)

	delete(env.access.uploadGrants, testBoxID)
	_, err := env.repo.Get(ctx, resp.ID, true, token)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "Upload access has been revoked", trace.UserMessage(err))
}

func TestGetDownloadWorkOrderToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, token := env.createDownloadPackage(t, []string{"GHGA001", "GHGA003"})

	sealed, err := env.repo.GetDownloadWorkOrderToken(ctx, resp.ID, "GHGA001", token)
	require.NoError(t, err)
	claims := env.unsealWorkOrder(t, sealed)

	assert.Equal(t, "download", claims["work_type"])
	assert.Equal(t, "GHGA001", claims["accession"])
	// No accession map entry has been propagated yet, so the accession
	// itself stands in as the file id.
	assert.Equal(t, "GHGA001", claims["file_id"])
	assert.Equal(t, env.userKey, claims["user_public_crypt4gh_key"])
	assert.Equal(t, float64(testNow.Unix()), claims["iat"])
	assert.Equal(t, float64(testNow.Add(crypt.WorkOrderTokenTTL).Unix()), claims["exp"])
}

func TestGetDownloadWorkOrderTokenResolvesFileID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fileID := uuid.New()
	env.mappings.data["GHGA001"] = FileAccessionMap{Accession: "GHGA001", FileID: fileID}

	resp, token := env.createDownloadPackage(t, nil)
	sealed, err := env.repo.GetDownloadWorkOrderToken(ctx, resp.ID, "GHGA001", token)
	require.NoError(t, err)
	claims := env.unsealWorkOrder(t, sealed)
	assert.Equal(t, fileID.String(), claims["file_id"])
}

func TestGetDownloadWorkOrderTokenDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, token := env.createDownloadPackage(t, []string{"GHGA001", "GHGA003"})

	// GHGA002 exists in the dataset but was not selected.
	_, err := env.repo.GetDownloadWorkOrderToken(ctx, resp.ID, "GHGA002", token)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "File is not contained in work package", trace.UserMessage(err))

	uploadResp, uploadToken := env.createUploadPackage(t)
	_, err = env.repo.GetDownloadWorkOrderToken(ctx, uploadResp.ID, "GHGA001", uploadToken)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "Not a download work package", trace.UserMessage(err))
}

func TestGetUploadWorkOrderToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, token := env.createUploadPackage(t)

	alias := "sample-3"
	sealed, err := env.repo.GetUploadWorkOrderToken(ctx, resp.ID, testBoxID,
		UploadWorkOrderTokenRequest{WorkType: WorkOrderCreate, Alias: &alias}, token)
	require.NoError(t, err)
	claims := env.unsealWorkOrder(t, sealed)

	assert.Equal(t, "create", claims["work_type"])
	assert.Equal(t, "sample-3", claims["alias"])
	// The minted claims carry the file upload box id, not the box id
	// from the request path.
	assert.Equal(t, testFileBoxID.String(), claims["box_id"])

	fileID := uuid.New()
	sealed, err = env.repo.GetUploadWorkOrderToken(ctx, resp.ID, testBoxID,
		UploadWorkOrderTokenRequest{WorkType: WorkOrderUpload, FileID: &fileID}, token)
	require.NoError(t, err)
	claims = env.unsealWorkOrder(t, sealed)
	assert.Equal(t, "upload", claims["work_type"])
	assert.Equal(t, fileID.String(), claims["file_id"])
	assert.Equal(t, testFileBoxID.String(), claims["box_id"])
}

func TestGetUploadWorkOrderTokenDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, token := env.createUploadPackage(t)

	_, err := env.repo.GetUploadWorkOrderToken(ctx, resp.ID, uuid.New(),
		UploadWorkOrderTokenRequest{WorkType: WorkOrderView}, token)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "Upload box is not contained in work package", trace.UserMessage(err))

	_, err = env.repo.GetUploadWorkOrderToken(ctx, resp.ID, testBoxID,
		UploadWorkOrderTokenRequest{WorkType: WorkOrderCreate}, token)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "alias is required for create work orders", trace.UserMessage(err))

	downloadResp, downloadToken := env.createDownloadPackage(t, nil)
	_, err = env.repo.GetUploadWorkOrderToken(ctx, downloadResp.ID, testBoxID,
		UploadWorkOrderTokenRequest{WorkType: WorkOrderView}, downloadToken)
	require.True(t, trace.IsAccessDenied(err))
	assert.Equal(t, "Not an upload work package", trace.UserMessage(err))
}

func TestProjectionRegistration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dataset := Dataset{
		ID:    "GHGAD999",
		Stage: Download,
		Title: "Another dataset",
		Files: []DatasetFile{{ID: "GHGA009", Extension: ".vcf"}},
	}
	require.NoError(t, env.repo.RegisterDataset(ctx, dataset))
	got, err := env.repo.GetDataset(ctx, "GHGAD999")
	require.NoError(t, err)
	assert.Equal(t, dataset, got)

	require.NoError(t, env.repo.DeleteDataset(ctx, "GHGAD999"))
	// Deleting again is not an error.
	require.NoError(t, env.repo.DeleteDataset(ctx, "GHGAD999"))

	require.Error(t, env.repo.RegisterDataset(ctx, Dataset{ID: "x", Stage: "bogus"}))

	boxID := uuid.New()
	require.NoError(t, env.repo.RegisterUploadBox(ctx, UploadBox{
		ID: boxID, FileUploadBoxID: uuid.New(), Title: "Box",
	}))
	require.NoError(t, env.repo.DeleteUploadBox(ctx, boxID))
	require.NoError(t, env.repo.DeleteUploadBox(ctx, boxID))

	require.NoError(t, env.repo.RegisterAccessionMap(ctx, FileAccessionMap{
		Accession: "GHGA009", FileID: uuid.New(),
	}))
	require.NoError(t, env.repo.DeleteAccessionMap(ctx, "GHGA009"))
	require.NoError(t, env.repo.DeleteAccessionMap(ctx, "GHGA009"))
}

func TestGetDatasets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A second grant whose dataset has not been propagated yet.
	env.access.downloadGrants["unseen-dataset-id"] = testGrantExpiry

	datasets, err := env.repo.GetDatasets(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, "some-dataset-id", datasets[0].ID)
	assert.Equal(t, testGrantExpiry, datasets[0].Expires)
}

func TestGetUploadBoxes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	boxes, err := env.repo.GetUploadBoxes(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, testBoxID, boxes[0].ID)

	// An expired grant hides the box.
	env.access.uploadGrants[testBoxID] = testNow.Add(-time.Hour)
	boxes, err = env.repo.GetUploadBoxes(ctx, testUserID)
	require.NoError(t, err)
	assert.Empty(t, boxes)
}
