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

package accesscheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testUser = uuid.MustParse("a86f8281-e18a-429e-88a9-a5c8ea0cf754")
	testBox  = uuid.MustParse("91ba4d24-58cb-4c02-9b1d-2d1f131d79f8")
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{URL: server.URL, Client: server.Client()})
	require.NoError(t, err)
	return client
}

func TestCheckDownloadAccess(t *testing.T) {
	expiry := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name       string
		status     int
		body       string
		wantExpiry *time.Time
		wantErr    bool
	}{
		{
			name:       "granted with expiry",
			status:     http.StatusOK,
			body:       `"2025-12-31T23:59:59Z"`,
			wantExpiry: &expiry,
		},
		{
			name:   "granted without expiry",
			status: http.StatusOK,
			body:   `null`,
		},
		{
			name:   "no access",
			status: http.StatusNotFound,
			body:   `{"detail":"no access"}`,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: true,
		},
		{
			name:    "invalid expiry",
			status:  http.StatusOK,
			body:    `"tomorrow"`,
			wantErr: true,
		},
		{
			name:    "unexpected payload",
			status:  http.StatusOK,
			body:    `[1,2,3]`,
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t,
					"/download-access/users/"+testUser.String()+"/datasets/GHGA001",
					r.URL.Path)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			got, err := client.CheckDownloadAccess(context.Background(), testUser, "GHGA001")
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, IsError(err))
				return
			}
			require.NoError(t, err)
			if tc.wantExpiry == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.True(t, tc.wantExpiry.Equal(*got))
			}
		})
	}
}

func TestCheckUploadAccessPath(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t,
			"/upload-access/users/"+testUser.String()+"/boxes/"+testBox.String(),
			r.URL.Path)
		w.Write([]byte(`"2025-12-31T23:59:59Z"`))
	})
	got, err := client.CheckUploadAccess(context.Background(), testUser, testBox)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestListDownloadDatasets(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t,
			"/download-access/users/"+testUser.String()+"/datasets", r.URL.Path)
		w.Write([]byte(`{"GHGA001":"2025-12-31T23:59:59Z","GHGA002":"2026-06-30T00:00:00Z"}`))
	})
	grants, err := client.ListDownloadDatasets(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, 2025, grants["GHGA001"].Year())
	assert.Equal(t, 2026, grants["GHGA002"].Year())
}

func TestListDownloadDatasetsEmpty(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	grants, err := client.ListDownloadDatasets(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestListUploadBoxes(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"` + testBox.String() + `":"2025-12-31T23:59:59Z"}`))
	})
	grants, err := client.ListUploadBoxes(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, 2025, grants[testBox].Year())
}

func TestListUploadBoxesInvalidID(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not-a-uuid":"2025-12-31T23:59:59Z"}`))
	})
	_, err := client.ListUploadBoxes(context.Background(), testUser)
	require.Error(t, err)
	require.True(t, IsError(err))
}
