package report

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/privsense/engine/pkg/models"
)

func TestAssemble_CountsPiiColumnsAndDuration(t *testing.T) {
	jobID := uuid.New()
	job := models.ScanJob{ID: jobID}
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)

	results := []models.DetectionResult{
		{HasPii: true},
		{HasPii: false},
		{HasPii: true},
	}

	r := Assemble(job, models.SchemaInfo{}, results, nil, started, ended)

	assert.Equal(t, jobID, r.ScanID)
	assert.Equal(t, 3, r.TotalColumnsScanned)
	assert.Equal(t, 2, r.PiiColumnsFound)
	assert.Equal(t, 90*time.Second, r.Duration)
}

func TestAssemble_NoDetectionResultsYieldsZeroCounts(t *testing.T) {
	r := Assemble(models.ScanJob{}, models.SchemaInfo{}, nil, nil, time.Time{}, time.Time{})
	assert.Equal(t, 0, r.TotalColumnsScanned)
	assert.Equal(t, 0, r.PiiColumnsFound)
}
