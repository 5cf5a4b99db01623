package models

// Severity grades how badly a crop is affected.
type Severity string

// Severity levels, from a healthy plant to one that is likely lost.
const (
	SeverityHealthy  Severity = "healthy"
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// Diagnosis is the assessment of a crop photo. When IsPlant is false the photo showed no crop and the
// remaining fields carry a message for the farmer instead of a diagnosis.
type Diagnosis struct {
	IsPlant         bool     `json:"is_plant"`
	CropName        string   `json:"crop_name"`
	DiseaseName     string   `json:"disease_name"`
	Severity        Severity `json:"severity"`
	Cause           string   `json:"cause"`
	Treatment       string   `json:"treatment"`
	Pesticide       string   `json:"pesticide"`
	Prevention      string   `json:"prevention"`
	AdditionalNotes string   `json:"additional_notes,omitempty"`
}
