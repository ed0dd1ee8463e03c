package models

// ErrorKind tags a recipient failure with the pipeline stage that produced it.
type ErrorKind string

const (
	DuplicationError  ErrorKind = "duplication_error"
	SubstitutionError ErrorKind = "substitution_error"
	ExportError       ErrorKind = "export_error"
	DeliveryError     ErrorKind = "delivery_error"
	ValidationError   ErrorKind = "validation_error"
	ReleaseWarning    ErrorKind = "release_warning"
)

// Failure pairs a recipient with the reason it was not served.
type Failure struct {
	Recipient Recipient `json:"recipient"`
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
}

// BatchRun summarizes one pass over a roster. Failed keeps roster order.
type BatchRun struct {
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}
