package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/idverify/internal/auth"
	"github.com/example/idverify/internal/capture"
	"github.com/example/idverify/internal/repository"
	"github.com/example/idverify/internal/usecase"
	"github.com/example/idverify/internal/verification"
	"github.com/example/idverify/internal/workflow"
)

// MaxUploadSize is the largest accepted image upload.
const MaxUploadSize = 16 << 20

// Version is reported by the health endpoint.
var Version = "1.0.0"

const uploadField = "file"

// VerdictReader serves archived verdicts.
type VerdictReader interface {
	GetVerdict(ctx context.Context, ownerID, sessionID string) (*usecase.ArchivedVerdict, error)
	GetSummary(ctx context.Context, ownerID string) (*usecase.VerdictSummary, error)
}

type sessionResponse struct {
	SessionID    string                `json:"session_id,omitempty"`
	Step         workflow.Step         `json:"step"`
	HasDocument  bool                  `json:"has_document"`
	HasBiometric bool                  `json:"has_biometric"`
	Verdict      *verification.Verdict `json:"verdict,omitempty"`
	LastError    string                `json:"last_error,omitempty"`
}

func newSessionResponse(s workflow.Session) sessionResponse {
	return sessionResponse{
		SessionID:    s.ID,
		Step:         s.Step,
		HasDocument:  s.HasDocument(),
		HasBiometric: s.HasBiometric(),
		Verdict:      s.Verdict,
		LastError:    s.LastError,
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, manager *workflow.Manager, verdicts VerdictReader, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   Version,
		})
	})

	v1 := router.Group("/v1")
	if authMiddleware != nil {
		v1.Use(authMiddleware)
	}

	v1.GET("/session", func(c *gin.Context) {
		wf, ok := ownerWorkflow(c, manager)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, newSessionResponse(wf.Snapshot()))
	})

	v1.DELETE("/session", func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}
		manager.Remove(ownerID)
		c.Status(http.StatusNoContent)
	})

	v1.POST("/session/document", func(c *gin.Context) {
		wf, ok := ownerWorkflow(c, manager)
		if !ok {
			return
		}
		img, ok := readUpload(c)
		if !ok {
			return
		}
		session, err := wf.SubmitDocument(c.Request.Context(), img)
		respond(c, session, err)
	})

	v1.POST("/session/biometric", func(c *gin.Context) {
		wf, ok := ownerWorkflow(c, manager)
		if !ok {
			return
		}
		img, ok := readUpload(c)
		if !ok {
			return
		}
		session, err := wf.CaptureBiometric(c.Request.Context(), capture.NewStaticFrame(img.Data, img.Filename))
		respond(c, session, err)
	})

	v1.POST("/session/verify", func(c *gin.Context) {
		wf, ok := ownerWorkflow(c, manager)
		if !ok {
			return
		}
		session, err := wf.RunVerification(c.Request.Context())
		respond(c, session, err)
	})

	v1.POST("/session/reset", func(c *gin.Context) {
		wf, ok := ownerWorkflow(c, manager)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, newSessionResponse(wf.Reset()))
	})

	v1.GET("/verdicts/:session_id", func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}
		sessionID := c.Param("session_id")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}

		archived, err := verdicts.GetVerdict(c.Request.Context(), ownerID, sessionID)
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "verdict not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load verdict"})
			return
		}
		c.JSON(http.StatusOK, archived)
	})

	v1.GET("/summary", func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}
		summary, err := verdicts.GetSummary(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load summary"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func requireOwner(c *gin.Context) (string, bool) {
	ownerID, ok := auth.OwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return ownerID, true
}

func ownerWorkflow(c *gin.Context, manager *workflow.Manager) (*workflow.Workflow, bool) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return nil, false
	}
	wf, err := manager.Get(ownerID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service shutting down"})
		return nil, false
	}
	return wf, true
}

func readUpload(c *gin.Context) (*capture.Image, bool) {
	if c.Request.ContentLength > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return nil, false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

	file, err := c.FormFile(uploadField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}

	img, err := capture.NewImage(data, file.Filename)
	switch {
	case errors.Is(err, capture.ErrEmptyImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return nil, false
	case errors.Is(err, capture.ErrNotImage):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Invalid file type"})
		return nil, false
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return img, true
}

func respond(c *gin.Context, session workflow.Session, err error) {
	switch {
	case err == nil, errors.Is(err, workflow.ErrStaleResponse):
		c.JSON(http.StatusOK, newSessionResponse(session))
	case errors.Is(err, workflow.ErrWrongStep):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "step": session.Step})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
