package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/MegaGrindStone/gram-ai/internal/services"
)

type scanRequest struct {
	ImageURL any     `json:"imageUrl"`
	Language *string `json:"language"`
}

type scanResponse struct {
	Success    bool             `json:"success"`
	Diagnosis  models.Diagnosis `json:"diagnosis"`
	AnalyzedAt time.Time        `json:"analyzed_at"`
}

var diagnosisLanguageInstructions = map[string]string{
	"en": "Respond in English.",
	"hi": "हिंदी में जवाब दें।",
	"mr": "मराठीत उत्तर द्या.",
	"te": "తెలుగులో సమాధానం ఇవ్వండి.",
	"ta": "தமிழில் பதில் அளிக்கவும்.",
	"bn": "বাংলায় উত্তর দিন।",
}

const diagnosisPrompt = "Analyze this crop/plant image for diseases, pests, or health issues. " +
	"Provide a complete diagnosis with treatment recommendations suitable for Indian farmers."

func diagnosisSystemPrompt(language string) string {
	return "You are an expert agricultural scientist and plant pathologist. Analyze the uploaded crop/plant " +
		"image and identify any diseases, pests, or health issues. " + diagnosisLanguageInstructions[language] +
		"\n\nYou MUST respond using the " + services.DiagnosisTool + " tool with your analysis. " +
		"Be specific and practical for Indian farmers." +
		"\n\nIf the image is not a plant/crop, still use the tool but set is_plant to false and provide a " +
		"helpful message."
}

// HandleScanCrop diagnoses the crop photo at "imageUrl", answering in the optional "language".
//
// Validation failures are 400s. Gateway status failures are mapped like HandleChat's, a reply without a
// diagnosis is 500 "Failed to analyze image" and every other failure is 500 "Unable to process request".
func (m Main) HandleScanCrop(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "Unable to process request")
		return
	}

	imageURL, ok := req.ImageURL.(string)
	if !ok || imageURL == "" {
		writeError(w, http.StatusBadRequest, "Image URL is required")
		return
	}

	language := defaultLanguage
	if req.Language != nil {
		language = *req.Language
	}
	if !slices.Contains(Languages, language) {
		writeError(w, http.StatusBadRequest, "Invalid language")
		return
	}

	if m.diagnoser == nil {
		m.logger.Error("No diagnoser configured")
		writeError(w, http.StatusInternalServerError, "Service configuration error")
		return
	}

	logger := m.logger.With(slog.String("language", language))

	diagnosis, err := m.diagnoser.Diagnose(r.Context(), diagnosisSystemPrompt(language), diagnosisPrompt, imageURL)
	if err != nil {
		var gwErr *services.GatewayError
		switch {
		case errors.Is(err, services.ErrNoDiagnosis):
			logger.Error("Unexpected response format", slog.String(errLoggerKey, err.Error()))
			writeError(w, http.StatusInternalServerError, "Failed to analyze image")
		case errors.As(err, &gwErr):
			status, msg := gatewayFailure(err)
			logger.Error("Gateway error",
				slog.Int("status", status),
				slog.String(errLoggerKey, err.Error()))
			writeError(w, status, msg)
		default:
			logger.Error("Failed to diagnose image", slog.String(errLoggerKey, err.Error()))
			writeError(w, http.StatusInternalServerError, "Unable to process request")
		}
		return
	}

	logger.Info("Diagnosed image",
		slog.Bool("plant", diagnosis.IsPlant),
		slog.String("severity", string(diagnosis.Severity)))

	writeJSON(w, http.StatusOK, scanResponse{
		Success:    true,
		Diagnosis:  diagnosis,
		AnalyzedAt: time.Now().UTC(),
	})
}
