package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/workflow"
	"github.com/sirupsen/logrus"
)

func TestReadinessGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRouter(logrus.New())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from healthz, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/invoices/1/analysis", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before dependencies are ready, got %d", w.Code)
	}
}

func TestWriteServiceErrorStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		want int
	}{
		{workflow.ErrInvoiceNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: APPROVED -> OCR_PROCESSING", workflow.ErrInvalidTransition), http.StatusConflict},
		{workflow.ErrRunInProgress, http.StatusConflict},
		{fmt.Errorf("dispatch pipeline task: %w", workflow.ErrQueueFull), http.StatusServiceUnavailable},
		{workflow.ErrUnsupportedModelType, http.StatusBadRequest},
		{workflow.ErrEmptyTrainingData, http.StatusBadRequest},
		{fmt.Errorf("%w: got 1.5", workflow.ErrInvalidMatchScore), http.StatusBadRequest},
		{fmt.Errorf("%w: unexpected EOF", errInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: connection refused", workflow.ErrLockUnavailable), http.StatusServiceUnavailable},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeServiceError(c, tc.err)
		if w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestInvoiceIdParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, raw := range []string{"abc", "0", "-3"} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Params = gin.Params{{Key: "id", Value: raw}}
		if _, ok := invoiceIdParam(c); ok || w.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got ok=%v code=%d", raw, ok, w.Code)
		}
	}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "42"}}
	if id, ok := invoiceIdParam(c); !ok || id != 42 {
		t.Fatalf("expected 42, got %d %v", id, ok)
	}
}

func TestValidateTrainRequest(t *testing.T) {
	if err := validate.Struct(trainRequest{ModelType: "classifier"}); err == nil {
		t.Fatalf("expected empty training data to fail validation")
	}
	req := trainRequest{ModelType: "classifier", TrainingData: []classifier.Pair{{Text: "", Category: "Điện"}}}
	if err := validate.Struct(req); err == nil {
		t.Fatalf("expected blank text to fail validation")
	}
}

func TestReviewBodiesAreValidatedBeforeTheService(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		action func(svc *workflow.InvoiceService, c *gin.Context, id int) error
		body   string
	}{
		{"match malformed json", matchInvoice, `{"score":`},
		{"match score out of range", matchInvoice, `{"score": 1.5}`},
		{"match missing score", matchInvoice, `{}`},
		{"reject malformed json", rejectInvoice, `{"reason": 12`},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/invoices/1/match", strings.NewReader(tc.body))
		c.Request.Header.Set("Content-Type", "application/json")
		err := tc.action(nil, c, 1)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		writeServiceError(c, err)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d (%v)", tc.name, w.Code, err)
		}
	}
}
