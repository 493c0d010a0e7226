// Package report implements the Report Assembler (spec §4.9): a pure
// function from a completed job's intermediate artifacts to the persisted
// ComplianceReport. It performs no I/O and is deterministic for fixed
// inputs.
package report

import (
	"time"

	"github.com/privsense/engine/pkg/models"
)

// Assemble builds the ComplianceReport for a scan job from its schema
// snapshot, detection results, and quasi-identifier groups.
func Assemble(
	job models.ScanJob,
	schema models.SchemaInfo,
	detectionResults []models.DetectionResult,
	qiGroups []models.QuasiIdentifierGroup,
	startedAt, endedAt time.Time,
) models.ComplianceReport {
	piiColumns := 0
	for _, dr := range detectionResults {
		if dr.HasPii {
			piiColumns++
		}
	}

	return models.ComplianceReport{
		ScanID:                job.ID,
		DatabaseSnapshot:      schema,
		TotalColumnsScanned:   len(detectionResults),
		PiiColumnsFound:       piiColumns,
		DetectionResults:      detectionResults,
		QuasiIdentifierGroups: qiGroups,
		SamplingConfig:        job.SamplingConfig,
		DetectionConfig:       job.DetectionConfig,
		QIConfig:              job.QIConfig,
		StartedAt:             startedAt,
		EndedAt:               endedAt,
		Duration:              endedAt.Sub(startedAt),
	}
}
