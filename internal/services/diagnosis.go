package services

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/gram-ai/internal/models"
)

// DiagnosisTool is the function the model is forced to call with its diagnosis.
const DiagnosisTool = "suggest_diagnosis"

const diagnosisToolDescription = "Return the crop disease diagnosis and treatment recommendations"

// ErrNoDiagnosis is returned when the model answered without calling DiagnosisTool.
var ErrNoDiagnosis = errors.New("model returned no diagnosis")

// diagnosisSchema describes the arguments of DiagnosisTool. It doubles as the structured output format
// for gateways without tool calls.
var diagnosisSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "is_plant": {"type": "boolean", "description": "Whether the image contains a plant/crop"},
    "crop_name": {"type": "string", "description": "Name of the crop/plant identified (e.g., Tomato, Rice, Wheat)"},
    "disease_name": {"type": "string", "description": "Name of the disease or issue detected (e.g., Leaf Blight, Powdery Mildew, Healthy)"},
    "severity": {
      "type": "string",
      "enum": ["healthy", "mild", "moderate", "severe", "critical"],
      "description": "Severity level of the disease"
    },
    "cause": {"type": "string", "description": "What causes this disease (e.g., Fungal infection, Bacterial, Viral, Nutrient deficiency)"},
    "treatment": {"type": "string", "description": "Recommended treatment steps for the farmer"},
    "pesticide": {"type": "string", "description": "Specific pesticide, fungicide, or fertilizer to use with dosage"},
    "prevention": {"type": "string", "description": "How to prevent this disease in the future"},
    "additional_notes": {"type": "string", "description": "Any additional helpful information for the farmer"}
  },
  "required": ["is_plant", "crop_name", "disease_name", "severity", "cause", "treatment", "pesticide", "prevention"],
  "additionalProperties": false
}`)

// decodeDiagnosis parses the arguments the model passed to DiagnosisTool.
func decodeDiagnosis(arguments string) (models.Diagnosis, error) {
	var d models.Diagnosis
	if err := json.Unmarshal([]byte(arguments), &d); err != nil {
		return models.Diagnosis{}, fmt.Errorf("error decoding diagnosis: %w", err)
	}
	return d, nil
}
