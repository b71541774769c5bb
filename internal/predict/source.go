package predict

import "github.com/miradorstack/mirador-autopilot/internal/models"

// RecordSource supplies the ActionRecord trail to analyse.
type RecordSource interface {
	Records() []models.ActionRecord
}

// RecordSourceFunc adapts a function to the RecordSource interface.
type RecordSourceFunc func() []models.ActionRecord

// Records implements RecordSource.
func (f RecordSourceFunc) Records() []models.ActionRecord {
	return f()
}
