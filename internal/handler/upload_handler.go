package handler

import (
	"context"
	"net/http"
	"strings"

	"qatrack/internal/domain/attachment"
	"qatrack/internal/domain/upload"
	"qatrack/internal/services"
	"qatrack/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type UploadOrchestrator interface {
	InitializeUpload(ctx context.Context, in services.InitializeInput) (services.InitializeResult, error)
	CompleteUpload(ctx context.Context, in services.CompleteInput) (attachment.Record, error)
	AbortUpload(ctx context.Context, uploadID, storageKey string) error
}

type UploadHandler struct {
	service UploadOrchestrator
}

func NewUploadHandler(service UploadOrchestrator) *UploadHandler {
	return &UploadHandler{service: service}
}

func (h *UploadHandler) Initialize(c *gin.Context) {
	var req httpdto.InitializeUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	var projectID uuid.UUID
	if strings.TrimSpace(req.ProjectID) != "" {
		id, err := uuid.Parse(strings.TrimSpace(req.ProjectID))
		if err != nil {
			badRequest(c, "invalid project_id")
			return
		}
		projectID = id
	}
	entityID, err := parseOptionalUUID(req.EntityID)
	if err != nil {
		badRequest(c, "invalid entity_id")
		return
	}

	in := services.InitializeInput{
		FileName:   req.FileName,
		FileSize:   req.FileSize,
		MimeType:   req.MimeType,
		ProjectID:  projectID,
		EntityType: upload.EntityType(req.EntityType),
		EntityID:   entityID,
	}
	if userID, ok := services.UserIDFromContext(c.Request.Context()); ok {
		in.UploaderID = &userID
	}

	res, err := h.service.InitializeUpload(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}

	parts := make([]httpdto.PartURLDTO, 0, len(res.Parts))
	for _, p := range res.Parts {
		parts = append(parts, httpdto.PartURLDTO{PartNumber: p.PartNumber, URL: p.URL, ExpiresAt: p.ExpiresAt})
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.InitializeUploadResponse{
		StorageKey: res.StorageKey,
		UploadID:   res.UploadID,
		PartSize:   res.PartSize,
		PartCount:  res.PartCount,
		Parts:      parts,
		ExpiresAt:  res.ExpiresAt,
	}))
}

func (h *UploadHandler) Complete(c *gin.Context) {
	var req httpdto.CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	entityID, err := parseOptionalUUID(req.EntityID)
	if err != nil {
		badRequest(c, "invalid entity_id")
		return
	}

	parts := make([]upload.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, upload.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	in := services.CompleteInput{
		UploadID:   req.UploadID,
		StorageKey: req.StorageKey,
		Parts:      parts,
		FileName:   req.FileName,
		FileSize:   req.FileSize,
		MimeType:   req.MimeType,
		EntityID:   entityID,
	}
	if userID, ok := services.UserIDFromContext(c.Request.Context()); ok {
		in.UploaderID = &userID
	}

	rec, err := h.service.CompleteUpload(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.CompleteUploadResponse{Attachment: toAttachmentDTO(rec)}))
}

func (h *UploadHandler) Abort(c *gin.Context) {
	var req httpdto.AbortUploadRequest
	_ = c.ShouldBindQuery(&req)
	if (req.UploadID == "" || req.StorageKey == "") && c.Request.ContentLength != 0 {
		var body httpdto.AbortUploadRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid request")
			return
		}
		if req.UploadID == "" {
			req.UploadID = body.UploadID
		}
		if req.StorageKey == "" {
			req.StorageKey = body.StorageKey
		}
	}

	if err := h.service.AbortUpload(c.Request.Context(), req.UploadID, req.StorageKey); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse[any](nil))
}
