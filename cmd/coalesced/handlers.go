package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/vanstone-io/coalesce/cmd/coalesced/middleware"
	"github.com/vanstone-io/coalesce/internal/assembly"
	"github.com/vanstone-io/coalesce/internal/auth"
	"github.com/vanstone-io/coalesce/pkg/types"
)

// Handlers binds the services to the HTTP surface
type Handlers struct {
	auth   *auth.Service
	engine *assembly.Engine
}

// NewHandlers creates the handler set
func NewHandlers(authService *auth.Service, engine *assembly.Engine) *Handlers {
	return &Handlers{auth: authService, engine: engine}
}

func (h *Handlers) register(c *gin.Context) {
	var req types.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.auth.Register(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, user)
}

func (h *Handlers) login(c *gin.Context) {
	var req types.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.Login(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, token)
}

func (h *Handlers) initUpload(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req types.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.engine.InitUpload(c.Request.Context(), user.ID, req.Filename, req.TotalSize)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, types.InitUploadResponse{
		UploadID:       session.ID,
		Filename:       session.TargetFilename,
		ExpectedChunks: session.ExpectedChunks,
	})
}

func (h *Handlers) uploadChunk(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	uploadID := c.Param("id")

	indexValue := c.PostForm("chunk_index")
	if indexValue == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunk_index is required"})
		return
	}
	index, err := strconv.Atoi(indexValue)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunk_index must be an integer"})
		return
	}

	var totalChunks *int
	if value := c.PostForm("total_chunks"); value != "" {
		// An unparseable hint is ignored rather than rejected; the recorded
		// expectation, if any, still drives completion.
		if n, err := strconv.Atoi(value); err == nil {
			totalChunks = &n
		}
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunk file field is required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read chunk"})
		return
	}
	defer file.Close()

	result, err := h.engine.SubmitChunk(c.Request.Context(), user.ID, uploadID, index, totalChunks, file)
	if err != nil {
		respondError(c, err)
		return
	}

	response := gin.H{
		"status":      "uploaded",
		"upload_id":   result.UploadID,
		"chunk_index": result.ChunkIndex,
		"assembled":   result.Assembled,
	}
	if result.Assembled {
		response["filename"] = result.FinalFilename
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handlers) listFiles(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	artifacts, err := h.engine.ListArtifacts(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"files": artifacts})
}

func (h *Handlers) downloadFile(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	filename := c.Param("filename")

	reader, size, err := h.engine.OpenArtifact(c.Request.Context(), user.ID, filename)
	if err != nil {
		respondError(c, err)
		return
	}
	defer reader.Close()

	extraHeaders := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", filename),
	}
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", reader, extraHeaders)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps domain errors onto HTTP status codes. Anything outside
// the taxonomy is a server fault and is not echoed to the client.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrChunkTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
