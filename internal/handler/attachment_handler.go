package handler

import (
	"context"
	"net/http"

	"qatrack/internal/domain/attachment"
	"qatrack/internal/domain/upload"
	"qatrack/internal/services"
	"qatrack/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AttachmentManager interface {
	GetDownloadURL(ctx context.Context, id uuid.UUID) (services.DownloadURL, error)
	PrepareDelete(ctx context.Context, id uuid.UUID) (services.DeletePlan, error)
	ConfirmDelete(ctx context.Context, id uuid.UUID) error
	ListAttachments(ctx context.Context, entityType upload.EntityType, entityID uuid.UUID) ([]attachment.Record, error)
}

type AttachmentHandler struct {
	service AttachmentManager
}

func NewAttachmentHandler(service AttachmentManager) *AttachmentHandler {
	return &AttachmentHandler{service: service}
}

func (h *AttachmentHandler) DownloadURL(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid attachment id")
		return
	}
	dl, err := h.service.GetDownloadURL(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.DownloadURLResponse{
		URL:       dl.URL,
		ExpiresAt: dl.ExpiresAt,
		FileName:  dl.FileName,
		MimeType:  dl.MimeType,
	}))
}

func (h *AttachmentHandler) PrepareDelete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid attachment id")
		return
	}
	plan, err := h.service.PrepareDelete(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.PrepareDeleteResponse{
		Attachment: toAttachmentDTO(plan.Attachment),
		StorageKey: plan.StorageKey,
	}))
}

func (h *AttachmentHandler) ConfirmDelete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid attachment id")
		return
	}
	if err := h.service.ConfirmDelete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse[any](nil))
}

func (h *AttachmentHandler) List(c *gin.Context) {
	var req httpdto.ListAttachmentsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "entity_type and entity_id are required")
		return
	}
	entityID, err := uuid.Parse(req.EntityID)
	if err != nil {
		badRequest(c, "invalid entity_id")
		return
	}
	records, err := h.service.ListAttachments(c.Request.Context(), upload.EntityType(req.EntityType), entityID)
	if err != nil {
		respondError(c, err)
		return
	}
	items := make([]httpdto.AttachmentDTO, 0, len(records))
	for _, rec := range records {
		items = append(items, toAttachmentDTO(rec))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListAttachmentsResponse{Attachments: items}))
}
