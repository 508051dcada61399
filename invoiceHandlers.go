package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/mmdatafocus/invoice_backend/workflow"
	"github.com/sirupsen/logrus"
)

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type trainRequest struct {
	ModelType    string            `json:"model_type" validate:"required"`
	TrainingData []classifier.Pair `json:"training_data" validate:"required,min=1,dive"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type matchRequest struct {
	Score *float64 `json:"score" validate:"required,gte=0,lte=1"`
}

var validate = validator.New()

var errInvalidRequest = errors.New("invalid request")

func invoiceIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return 0, false
	}
	return id, true
}

func writeServiceError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, workflow.ErrInvoiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrQueueFull), errors.Is(err, workflow.ErrPoolStopped), errors.Is(err, workflow.ErrLockUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrUnsupportedModelType), errors.Is(err, workflow.ErrEmptyTrainingData),
		errors.Is(err, workflow.ErrInvalidMatchScore), errors.Is(err, errInvalidRequest), errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func triggerPipelineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := invoiceIdParam(c)
		if !ok {
			return
		}
		cid, err := currentRuntime().Service.TriggerPipeline(c.Request.Context(), id)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"invoice_id": id, "correlation_id": cid})
	}
}

func rerunOCRHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := invoiceIdParam(c)
		if !ok {
			return
		}
		cid, err := currentRuntime().Service.RerunOCR(c.Request.Context(), id)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"invoice_id": id, "correlation_id": cid})
	}
}

func analysisHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := invoiceIdParam(c)
		if !ok {
			return
		}
		a, err := currentRuntime().Service.GetAnalysis(c.Request.Context(), id)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

func predictionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := invoiceIdParam(c)
		if !ok {
			return
		}
		p, err := currentRuntime().Service.Predict(c.Request.Context(), id)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func trainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req trainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(req); err != nil {
			writeServiceError(c, err)
			return
		}
		report, err := currentRuntime().Service.Train(c.Request.Context(), req.ModelType, req.TrainingData)
		if err != nil && report == nil {
			writeServiceError(c, err)
			return
		}
		resp := gin.H{"success": true, "report": report}
		if err != nil {
			resp["warning"] = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// transitionHandler adapts the review actions that take no body.
func transitionHandler(action func(svc *workflow.InvoiceService, c *gin.Context, id int) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := invoiceIdParam(c)
		if !ok {
			return
		}
		if err := action(currentRuntime().Service, c, id); err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func approveInvoice(svc *workflow.InvoiceService, c *gin.Context, id int) error {
	return svc.Approve(c.Request.Context(), id)
}

func rejectInvoice(svc *workflow.InvoiceService, c *gin.Context, id int) error {
	var req rejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return fmt.Errorf("%w: %v", errInvalidRequest, err)
		}
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	return svc.Reject(c.Request.Context(), id, req.Reason)
}

func matchInvoice(svc *workflow.InvoiceService, c *gin.Context, id int) error {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	return svc.Match(c.Request.Context(), id, *req.Score)
}

func unmatchInvoice(svc *workflow.InvoiceService, c *gin.Context, id int) error {
	return svc.MarkUnmatched(c.Request.Context(), id)
}

func submitInvoice(svc *workflow.InvoiceService, c *gin.Context, id int) error {
	return svc.SubmitForApproval(c.Request.Context(), id)
}

func reviewInvoice(svc *workflow.InvoiceService, c *gin.Context, id int) error {
	return svc.SendToReview(c.Request.Context(), id)
}

// pipelinePushHandler receives Pub/Sub push deliveries. Malformed payloads are acked so
// they are not redelivered; a full queue returns 500 so Pub/Sub retries later.
func pipelinePushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "invoiceHandlers.go", "pipelinePushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var msg PubSubMessage
		if err := utils.UnmarshalFromJSON(body, &msg); err != nil {
			config.LogError(logger, "invoiceHandlers.go", "pipelinePushHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		task, err := config.DecodePipelineTask(msg.Message.Data)
		if err != nil {
			config.LogError(logger, "invoiceHandlers.go", "pipelinePushHandler", "DecodePipelineTask", msg.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}
		if task.CorrelationId == "" {
			task.CorrelationId = msg.Message.ID
		}
		if err := currentRuntime().Pool.Enqueue(task); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "pipelinePushHandler",
				"invoice_id": task.InvoiceId,
				"message_id": msg.Message.ID,
			}).Warn("pipeline task not accepted: " + err.Error())
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
