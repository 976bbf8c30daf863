package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/mocks"
	"github.com/modelgate/modelgate/src/models"
)

func setupInferenceHandler() (*InferenceHandler, *mocks.MockInferencer) {
	gin.SetMode(gin.TestMode)
	mockGW := new(mocks.MockInferencer)
	return NewInferenceHandler(mockGW, zap.NewNop()), mockGW
}

func postInference(handler *InferenceHandler, body any) *httptest.ResponseRecorder {
	jsonBody, _ := json.Marshal(body)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/inference", bytes.NewBuffer(jsonBody))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.HandleInference(c)
	return w
}

func validRequestBody() map[string]any {
	return map[string]any{
		"caller_id":    "tenant-a",
		"capabilities": []string{"chat"},
		"priority":     5,
		"payload": map[string]any{
			"kind":     "chat",
			"messages": []map[string]string{{"role": "user", "content": "hello"}},
		},
	}
}

func TestInferenceHandler_Success(t *testing.T) {
	handler, mockGW := setupInferenceHandler()

	mockGW.On("Infer", mock.Anything, mock.Anything).Return(&models.InferenceResult{
		RequestID: "r1",
		ModelID:   "openai/gpt-4o",
		Provider:  "openai",
		Output:    "hi there",
		Latency:   12 * time.Millisecond,
	}, nil)

	w := postInference(handler, validRequestBody())

	assert.Equal(t, http.StatusOK, w.Code)

	var result models.InferenceResult
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "openai/gpt-4o", result.ModelID)
	assert.Equal(t, "hi there", result.Output)
	mockGW.AssertExpectations(t)
}

func TestInferenceHandler_ParsesConstraints(t *testing.T) {
	handler, mockGW := setupInferenceHandler()

	var captured *models.InferenceRequest
	mockGW.On("Infer", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*models.InferenceRequest)
		}).
		Return(&models.InferenceResult{}, nil)

	body := validRequestBody()
	body["capabilities"] = []string{"chat", "vision"}
	body["max_cost_usd"] = 0.05
	body["max_latency"] = "fast"
	body["volatility"] = "volatile"
	postInference(handler, body)

	assert.True(t, captured.Capabilities.Equal(
		models.NewCapabilitySet(models.CapabilityChat, models.CapabilityVision)))
	assert.Equal(t, 0.05, captured.MaxCostUSD)
	assert.Equal(t, models.LatencyFast, captured.MaxLatency)
	assert.Equal(t, models.VolatilityVolatile, captured.Volatility)
}

func TestInferenceHandler_MissingCallerID(t *testing.T) {
	handler, mockGW := setupInferenceHandler()

	body := validRequestBody()
	delete(body, "caller_id")
	w := postInference(handler, body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockGW.AssertNotCalled(t, "Infer")
}

func TestInferenceHandler_MissingCapabilities(t *testing.T) {
	handler, mockGW := setupInferenceHandler()

	body := validRequestBody()
	delete(body, "capabilities")
	w := postInference(handler, body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockGW.AssertNotCalled(t, "Infer")
}

func TestInferenceHandler_MalformedJSON(t *testing.T) {
	handler, _ := setupInferenceHandler()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/inference", bytes.NewBufferString("{not json"))
	c.Request.Header.Set("Content-Type", "application/json")
	handler.HandleInference(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInferenceHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"capability unavailable", models.ErrCapabilityUnavailable, http.StatusUnprocessableEntity},
		{"queue rejected", models.ErrQueueRejected, http.StatusTooManyRequests},
		{"rate limited", &models.RateLimitedError{Caller: "tenant-a", Provider: "openai", RetryAfter: time.Second}, http.StatusTooManyRequests},
		{"request expired", models.ErrRequestExpired, http.StatusGatewayTimeout},
		{"all providers unavailable", models.ErrAllProvidersUnavailable, http.StatusServiceUnavailable},
		{"permanent provider error", models.NewPermanentError("openai", errors.New("rejected")), http.StatusBadGateway},
		{"unexpected error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, mockGW := setupInferenceHandler()
			mockGW.On("Infer", mock.Anything, mock.Anything).Return(nil, tc.err)

			w := postInference(handler, validRequestBody())
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestInferenceHandler_RateLimitedCarriesRetryAfter(t *testing.T) {
	handler, mockGW := setupInferenceHandler()
	mockGW.On("Infer", mock.Anything, mock.Anything).
		Return(nil, &models.RateLimitedError{Caller: "tenant-a", Provider: "openai", RetryAfter: 2 * time.Second})

	w := postInference(handler, validRequestBody())

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2.0, body["retry_after"])
}

func TestInferenceHandler_HealthCheck(t *testing.T) {
	handler, _ := setupInferenceHandler()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/health", nil)
	handler.HealthCheck(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
