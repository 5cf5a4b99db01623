package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/MegaGrindStone/gram-ai/internal/services"
)

type mockDiagnoser struct {
	diagnosis models.Diagnosis
	err       error

	mu           sync.Mutex
	systemPrompt string
	imageURL     string
}

func (d *mockDiagnoser) Diagnose(_ context.Context, systemPrompt, _, imageURL string) (models.Diagnosis, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.systemPrompt = systemPrompt
	d.imageURL = imageURL
	return d.diagnosis, d.err
}

func TestHandleScanCrop(t *testing.T) {
	blight := models.Diagnosis{
		IsPlant:     true,
		CropName:    "Tomato",
		DiseaseName: "Early Blight",
		Severity:    models.SeverityModerate,
		Cause:       "Fungal infection",
		Treatment:   "Remove infected leaves",
		Pesticide:   "Mancozeb 2g/L",
		Prevention:  "Rotate crops",
	}

	tests := []struct {
		name       string
		method     string
		body       string
		diagnoser  *mockDiagnoser
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Preflight",
			method:     http.MethodOptions,
			diagnoser:  &mockDiagnoser{},
			wantStatus: http.StatusOK,
		},
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			diagnoser:  &mockDiagnoser{},
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Malformed body",
			method:     http.MethodPost,
			body:       `{"imageUrl":`,
			diagnoser:  &mockDiagnoser{},
			wantStatus: http.StatusInternalServerError,
			wantBody:   []string{"Unable to process request"},
		},
		{
			name:       "Missing image",
			method:     http.MethodPost,
			body:       `{"language":"hi"}`,
			diagnoser:  &mockDiagnoser{},
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{"Image URL is required"},
		},
		{
			name:       "Image not a string",
			method:     http.MethodPost,
			body:       `{"imageUrl":42}`,
			diagnoser:  &mockDiagnoser{},
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{"Image URL is required"},
		},
		{
			name:       "Invalid language",
			method:     http.MethodPost,
			body:       `{"imageUrl":"https://example.com/leaf.jpg","language":"fr"}`,
			diagnoser:  &mockDiagnoser{},
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{"Invalid language"},
		},
		{
			name:       "Rate limited",
			method:     http.MethodPost,
			body:       `{"imageUrl":"https://example.com/leaf.jpg"}`,
			diagnoser:  &mockDiagnoser{err: fmt.Errorf("error sending request: %w", &services.GatewayError{StatusCode: http.StatusTooManyRequests})},
			wantStatus: http.StatusTooManyRequests,
			wantBody:   []string{"Rate limits exceeded"},
		},
		{
			name:       "Payment required",
			method:     http.MethodPost,
			body:       `{"imageUrl":"https://example.com/leaf.jpg"}`,
			diagnoser:  &mockDiagnoser{err: &services.GatewayError{StatusCode: http.StatusPaymentRequired}},
			wantStatus: http.StatusPaymentRequired,
			wantBody:   []string{"Service temporarily unavailable."},
		},
		{
			name:       "Other gateway status",
			method:     http.MethodPost,
			body:       `{"imageUrl":"https://example.com/leaf.jpg"}`,
			diagnoser:  &mockDiagnoser{err: &services.GatewayError{StatusCode: http.StatusBadGateway}},
			wantStatus: http.StatusInternalServerError,
			wantBody:   []string{"AI service error"},
		},
		{
			name:       "No diagnosis",
			method:     http.MethodPost,
			body:       `{"imageUrl":"https://example.com/leaf.jpg"}`,
			diagnoser:  &mockDiagnoser{err: services.ErrNoDiagnosis},
			wantStatus: http.StatusInternalServerError,
			wantBody:   []string{"Failed to analyze image"},
		},
		{
			name:       "Image unreachable",
			method:     http.MethodPost,
			body:       `{"imageUrl":"https://example.com/leaf.jpg"}`,
			diagnoser:  &mockDiagnoser{err: errors.New("error downloading image")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   []string{"Unable to process request"},
		},
		{
			name:       "Diagnosed",
			method:     http.MethodPost,
			body:       `{"imageUrl":"https://example.com/leaf.jpg","language":"ta"}`,
			diagnoser:  &mockDiagnoser{diagnosis: blight},
			wantStatus: http.StatusOK,
			wantBody:   []string{`"success":true`, `"disease_name":"Early Blight"`, `"severity":"moderate"`, `"analyzed_at"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMainWithDiagnoser(t, &mockLLM{}, tt.diagnoser, nil)
			req := httptest.NewRequest(tt.method, "/functions/v1/scan-crop", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			m.HandleScanCrop(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleScanCrop() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("HandleScanCrop() should set CORS headers")
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleScanCropPrompt(t *testing.T) {
	d := &mockDiagnoser{diagnosis: models.Diagnosis{IsPlant: false, CropName: "None"}}
	m := newMainWithDiagnoser(t, &mockLLM{}, d, nil)

	body := `{"imageUrl":"data:image/png;base64,iVBORw0KGgo=","language":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/functions/v1/scan-crop", strings.NewReader(body))
	w := httptest.NewRecorder()

	m.HandleScanCrop(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleScanCrop() status = %v, want %v", w.Code, http.StatusOK)
	}
	if d.imageURL != "data:image/png;base64,iVBORw0KGgo=" {
		t.Errorf("image URL = %q", d.imageURL)
	}
	if !strings.Contains(d.systemPrompt, "हिंदी में जवाब दें।") {
		t.Errorf("system prompt should carry the Hindi instruction, got %q", d.systemPrompt)
	}
	if !strings.Contains(d.systemPrompt, services.DiagnosisTool) {
		t.Errorf("system prompt should name the diagnosis tool, got %q", d.systemPrompt)
	}

	var res struct {
		Success   bool             `json:"success"`
		Diagnosis models.Diagnosis `json:"diagnosis"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Diagnosis.IsPlant {
		t.Errorf("unexpected response: %+v", res)
	}
}

func TestHandleScanCropWithoutDiagnoser(t *testing.T) {
	m := newMain(t, &mockLLM{}, nil)
	body := `{"imageUrl":"https://example.com/leaf.jpg"}`
	req := httptest.NewRequest(http.MethodPost, "/functions/v1/scan-crop", strings.NewReader(body))
	w := httptest.NewRecorder()

	m.HandleScanCrop(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("HandleScanCrop() status = %v, want %v", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(w.Body.String(), "Service configuration error") {
		t.Errorf("body = %v", w.Body.String())
	}
}
