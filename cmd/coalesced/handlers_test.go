package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanstone-io/coalesce/internal/assembly"
	"github.com/vanstone-io/coalesce/internal/auth"
	"github.com/vanstone-io/coalesce/internal/chunkstore"
	"github.com/vanstone-io/coalesce/internal/common"
	"github.com/vanstone-io/coalesce/internal/registry"
	"github.com/vanstone-io/coalesce/pkg/config"
	"github.com/vanstone-io/coalesce/pkg/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testMaxChunk = 256

func newTestServer(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	wrapped := &common.Database{DB: db}
	require.NoError(t, wrapped.AutoMigrate(&types.User{}))

	root := t.TempDir()
	store, err := registry.NewSnapshotStore(filepath.Join(root, "sessions.json"))
	require.NoError(t, err)

	chunks, err := chunkstore.New(filepath.Join(root, "incomplete"), testMaxChunk)
	require.NoError(t, err)

	engine, err := assembly.New(store, chunks, filepath.Join(root, "complete"), testMaxChunk)
	require.NoError(t, err)

	authService := auth.NewService(wrapped, nil, &config.AuthConfig{
		JWTSecret:     "handler-test-secret",
		JWTExpiration: time.Hour,
		BCryptCost:    4,
	})

	return setupRouter(authService, engine)
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doChunk(t *testing.T, router *gin.Engine, token, uploadID string, index int, totalChunks int, payload []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	require.NoError(t, writer.WriteField("chunk_index", fmt.Sprintf("%d", index)))
	if totalChunks > 0 {
		require.NoError(t, writer.WriteField("total_chunks", fmt.Sprintf("%d", totalChunks)))
	}

	part, err := writer.CreateFormFile("chunk", fmt.Sprintf("blob.part%d", index))
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/"+uploadID+"/chunks", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func registerAndLogin(t *testing.T, router *gin.Engine, username string) string {
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", "", types.RegisterRequest{
		Username: username,
		Password: "password123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", types.LoginRequest{
		Username: username,
		Password: "password123",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var token types.AuthToken
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))
	return token.Token
}

func initUpload(t *testing.T, router *gin.Engine, token, filename string, totalSize int64) types.InitUploadResponse {
	w := doJSON(t, router, http.MethodPost, "/api/v1/uploads", token, types.InitUploadRequest{
		Filename:  filename,
		TotalSize: totalSize,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp types.InitUploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthz(t *testing.T) {
	router := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUploadRoundTrip(t *testing.T) {
	router := newTestServer(t)
	token := registerAndLogin(t, router, "alice")

	upload := initUpload(t, router, token, "notes.txt", 0)
	assert.Equal(t, "notes.txt", upload.Filename)
	assert.Nil(t, upload.ExpectedChunks)

	// Chunks arrive out of order
	w := doChunk(t, router, token, upload.UploadID, 1, 2, []byte("world"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var mid map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mid))
	assert.Equal(t, false, mid["assembled"])

	w = doChunk(t, router, token, upload.UploadID, 0, 2, []byte("hello "))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var last map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &last))
	assert.Equal(t, true, last["assembled"])
	assert.Equal(t, "notes.txt", last["filename"])

	// Listed with the on-disk size
	w = doJSON(t, router, http.MethodGet, "/api/v1/files", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Files []types.Artifact `json:"files"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "notes.txt", listing.Files[0].Filename)
	assert.Equal(t, int64(11), listing.Files[0].Size)

	// Downloaded bytes match
	w = doJSON(t, router, http.MethodGet, "/api/v1/files/notes.txt", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "notes.txt")
}

func TestInitUpload_ExpectedChunksDerived(t *testing.T) {
	router := newTestServer(t)
	token := registerAndLogin(t, router, "alice")

	upload := initUpload(t, router, token, "big.bin", testMaxChunk*2+10)
	require.NotNil(t, upload.ExpectedChunks)
	assert.Equal(t, 3, *upload.ExpectedChunks)
}

func TestUploadChunk_TooLarge(t *testing.T) {
	router := newTestServer(t)
	token := registerAndLogin(t, router, "alice")

	upload := initUpload(t, router, token, "huge.bin", 0)

	w := doChunk(t, router, token, upload.UploadID, 0, 1, bytes.Repeat([]byte("x"), testMaxChunk+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUploadChunk_Validation(t *testing.T) {
	router := newTestServer(t)
	token := registerAndLogin(t, router, "alice")

	upload := initUpload(t, router, token, "f.bin", 0)

	// Missing multipart body entirely
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/"+upload.UploadID+"/chunks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Negative index
	w = doChunk(t, router, token, upload.UploadID, -1, 1, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadChunk_UnknownUpload(t *testing.T) {
	router := newTestServer(t)
	token := registerAndLogin(t, router, "alice")

	w := doChunk(t, router, token, "no-such-upload", 0, 1, []byte("x"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOwnershipIsolation(t *testing.T) {
	router := newTestServer(t)
	aliceToken := registerAndLogin(t, router, "alice")
	bobToken := registerAndLogin(t, router, "bob")

	upload := initUpload(t, router, aliceToken, "private.txt", 0)

	// Bob cannot append chunks to Alice's upload
	w := doChunk(t, router, bobToken, upload.UploadID, 0, 1, []byte("intrusion"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Alice finishes her upload
	w = doChunk(t, router, aliceToken, upload.UploadID, 0, 1, []byte("secret"))
	require.Equal(t, http.StatusOK, w.Code)

	// Bob sees no files and cannot download Alice's artifact
	w = doJSON(t, router, http.MethodGet, "/api/v1/files", bobToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Files []types.Artifact `json:"files"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Empty(t, listing.Files)

	w = doJSON(t, router, http.MethodGet, "/api/v1/files/private.txt", bobToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthRequired(t *testing.T) {
	router := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/uploads", "", types.InitUploadRequest{Filename: "f.bin"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/files", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	router := newTestServer(t)
	registerAndLogin(t, router, "alice")

	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", "", types.RegisterRequest{
		Username: "alice",
		Password: "password456",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
