// Package models defines the value types shared across PrivSense's scan
// pipeline core: connection descriptors, schema snapshots, sample data,
// detection candidates/results, quasi-identifier groups, scan jobs, and the
// compliance report (spec §3). All types are value-typed and immutable once
// persisted unless their doc comment says otherwise.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Driver selects the dialect a ConnectionDescriptor speaks.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMSSQL    Driver = "mssql"
)

// ConnectionDescriptor is owned exclusively by the Connection Registry (§4.1).
// Jobs reference it by ID only and never mutate it. Credentials are held
// opaque (usually an encrypted blob) and must never be logged.
type ConnectionDescriptor struct {
	ID       uuid.UUID
	Name     string
	Driver   Driver
	Host     string
	Port     int
	Database string
	Username string
	// Credentials is the encrypted-at-rest secret blob (password or DSN
	// fragment); never returned by read operations, never logged.
	Credentials string
	TLS         bool
	CreatedAt   time.Time
}

// RelationshipRole distinguishes which side of a foreign key a
// RelationshipInfo describes.
type RelationshipRole string

const (
	RelationshipPrimaryKey RelationshipRole = "PK"
	RelationshipForeignKey RelationshipRole = "FK"
)

// RelationshipInfo describes one primary/foreign key edge discovered during
// metadata extraction (§4.2).
type RelationshipInfo struct {
	SourceColumn string
	TargetColumn string
	SourceTable  string
	TargetTable  string
	Role         RelationshipRole
}

// ColumnInfo identifies a column within a scan by (schema, table, column).
type ColumnInfo struct {
	ID         uuid.UUID
	Schema     string
	Table      string
	Name       string
	DataType   string
	Size       int
	Nullable   bool
	PrimaryKey bool
	ForeignKey bool
	Comment    string
}

// Key returns the (schema, table, column) identity tuple used for
// deterministic ordering and map lookups throughout the pipeline.
func (c ColumnInfo) Key() string {
	return c.Schema + "." + c.Table + "." + c.Name
}

// TableKind distinguishes base tables from views.
type TableKind string

const (
	TableKindTable TableKind = "TABLE"
	TableKindView  TableKind = "VIEW"
)

// TableInfo holds one table's columns and relationships, built fresh per scan.
type TableInfo struct {
	Name          string
	Kind          TableKind
	Comment       string
	Columns       []ColumnInfo
	Relationships []RelationshipInfo
}

// SchemaInfo is the full metadata snapshot extracted for one scan (§4.2).
// Built fresh per scan; never reused across scans.
type SchemaInfo struct {
	Catalog string
	Schema  string
	Tables  []TableInfo
}

// SampleStatus records whether a column's sampling task succeeded.
type SampleStatus string

const (
	SampleStatusOK     SampleStatus = "OK"
	SampleStatusFailed SampleStatus = "FAILED"
)

// SampleData is the ordered multiset of raw values drawn for one column
// (§4.3, §3). Raw values are held in memory only for the lifetime of the
// detection pipeline and are never logged.
type SampleData struct {
	Column        ColumnInfo
	Values        []any
	NullCount     int64
	TotalRows     int64
	Entropy       *float64 // Shannon entropy base 2, nil unless entropyCalculation was requested
	DistinctCount int64
	Status        SampleStatus
	Message       string
}

// NonNullValues returns Values with nil entries removed, preserving order.
func (s SampleData) NonNullValues() []any {
	out := make([]any, 0, len(s.Values))
	for _, v := range s.Values {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// DetectionMethod identifies which strategy emitted a PiiCandidate.
type DetectionMethod string

const (
	MethodHeuristic DetectionMethod = "HEURISTIC"
	MethodRegex     DetectionMethod = "REGEX"
	MethodNER       DetectionMethod = "NER"
)

// PiiType enumerates the PII categories the detection strategies recognize.
// UNKNOWN marks a DetectionResult with no qualifying winner.
type PiiType string

const (
	PiiUnknown    PiiType = "UNKNOWN"
	PiiSSN        PiiType = "SSN"
	PiiEmail      PiiType = "EMAIL"
	PiiAddress    PiiType = "ADDRESS"
	PiiPhone      PiiType = "PHONE"
	PiiCreditCard PiiType = "CREDIT_CARD"
	PiiIPAddress  PiiType = "IP_ADDRESS"
	PiiDate       PiiType = "DATE"
	PiiName       PiiType = "PERSON_NAME"
)

// PiiCandidate is a tentative PII determination emitted by a strategy prior
// to pipeline-level winner selection (§3). Never edited after creation.
type PiiCandidate struct {
	Column     ColumnInfo
	PiiType    PiiType
	Confidence float64
	Method     DetectionMethod
	Evidence   string
}

// ClusteringMethod tags which quasi-identifier algorithm produced a group.
type ClusteringMethod string

const (
	ClusteringGraph  ClusteringMethod = "GRAPH"
	ClusteringDBSCAN ClusteringMethod = "DBSCAN"
)

// DetectionResult is the per-column outcome of the detection pipeline plus
// any quasi-identifier annotation applied later by the QI analyzer (§3).
type DetectionResult struct {
	Column     ColumnInfo
	Candidates []PiiCandidate

	HasPii      bool
	WinningType PiiType
	Confidence  float64

	IsQuasiIdentifier        bool
	QuasiIdentifierRiskScore float64
	ClusteringMethod         ClusteringMethod
	CorrelatedColumns        []ColumnInfo
}

// QuasiIdentifierGroup is a set of ≥2 columns whose joint correlation
// crosses the configured threshold, with an aggregate re-identification
// risk score (§4.6).
type QuasiIdentifierGroup struct {
	ID      uuid.UUID
	Columns []ColumnInfo
	Risk    float64
	Method  ClusteringMethod
}

// ScanState is a ScanJob's lifecycle state (§4.7). Transitions are strictly
// monotonic along the documented path; COMPLETED, FAILED, and CANCELLED are
// terminal.
type ScanState string

const (
	StatePending            ScanState = "PENDING"
	StateExtractingMetadata ScanState = "EXTRACTING_METADATA"
	StateSampling           ScanState = "SAMPLING"
	StateDetectingPii       ScanState = "DETECTING_PII"
	StateGeneratingReport   ScanState = "GENERATING_REPORT"
	StateCompleted          ScanState = "COMPLETED"
	StateFailed             ScanState = "FAILED"
	StateCancelled          ScanState = "CANCELLED"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s ScanState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// nextStates enumerates the states reachable directly from each non-terminal
// state, per the §4.7 diagram (every non-terminal state may also go to
// FAILED or, except when already terminal, CANCELLED).
var nextStates = map[ScanState][]ScanState{
	StatePending:            {StateExtractingMetadata},
	StateExtractingMetadata: {StateSampling},
	StateSampling:           {StateDetectingPii},
	StateDetectingPii:       {StateGeneratingReport},
	StateGeneratingReport:   {StateCompleted},
}

// CanTransition reports whether moving from s to next is permitted by the
// state machine in §4.7.
func (s ScanState) CanTransition(next ScanState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed || next == StateCancelled {
		return true
	}
	for _, candidate := range nextStates[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// SamplingMethod selects how the Sampler draws values from a column.
type SamplingMethod string

const (
	SamplingRandom     SamplingMethod = "RANDOM"
	SamplingSystematic SamplingMethod = "SYSTEMATIC"
	SamplingStratified SamplingMethod = "STRATIFIED"
)

// SamplingConfig configures the Sampler (§4.3).
type SamplingConfig struct {
	SampleSize           int
	Method               SamplingMethod
	EntropyCalculation   bool
	MaxConcurrentQueries int
	QueryTimeout         time.Duration
}

// DetectionConfig configures the Detection Pipeline (§4.5).
//
// StopPipelineOnHighConfidence is a pointer so a caller that leaves it unset
// is distinguishable from one that explicitly disables the short-circuit;
// Go's bool zero value (false) would otherwise be indistinguishable from an
// explicit "off", silently defeating the §4.5 default of true.
type DetectionConfig struct {
	HeuristicThreshold           float64
	RegexThreshold               float64
	NERThreshold                 float64
	ReportingThreshold           float64
	StopPipelineOnHighConfidence *bool
	MaxConcurrentColumns         int
}

// QIAlgorithm selects the quasi-identifier clustering algorithm (§4.6).
type QIAlgorithm string

const (
	QIAlgorithmGraph  QIAlgorithm = "GRAPH"
	QIAlgorithmDBSCAN QIAlgorithm = "DBSCAN"
)

// QIConfig configures the Quasi-Identifier Analyzer (§4.6).
type QIConfig struct {
	Enabled               bool
	CorrelationThreshold  float64
	MinDistinctValues     int64
	MaxDistinctValueRatio float64
	MinGroupSize          int
	MaxGroupSize          int
	KAnonymityThreshold   float64
	RiskThreshold         float64
	Algorithm             QIAlgorithm
}

// ScanRequest is the job-control boundary's submission payload (§6.1).
type ScanRequest struct {
	ConnectionID    uuid.UUID
	TargetTables    []string
	SamplingConfig  SamplingConfig
	DetectionConfig DetectionConfig
	QIConfig        QIConfig
	RequestID       string // optional client-supplied idempotency key
}

// ScanCounters tracks running progress counters for a ScanJob.
type ScanCounters struct {
	TotalColumnsScanned int
	PiiColumnsFound     int
}

// ScanJob is the unit of work owned by the Scan Orchestrator (§3, §4.7).
type ScanJob struct {
	ID              uuid.UUID
	ConnectionID    uuid.UUID
	TargetTables    []string
	SamplingConfig  SamplingConfig
	DetectionConfig DetectionConfig
	QIConfig        QIConfig
	RequestID       string

	State        ScanState
	StartedAt    *time.Time
	EndedAt      *time.Time
	Counters     ScanCounters
	ErrorMessage string
}

// ScanStatusEvent is emitted to the notification sink on every state
// transition and on periodic progress ticks (§6.3).
type ScanStatusEvent struct {
	JobID            uuid.UUID
	State            ScanState
	ProgressPercent  *float64
	CurrentOperation string
	Timestamp        time.Time
	ErrorMessage     string
}

// ComplianceReport rolls a completed job's detection and QI results into an
// immutable structure (§4.9). Generated once at job completion.
type ComplianceReport struct {
	ScanID                uuid.UUID
	DatabaseSnapshot      SchemaInfo
	TotalColumnsScanned   int
	PiiColumnsFound       int
	DetectionResults      []DetectionResult
	QuasiIdentifierGroups []QuasiIdentifierGroup
	SamplingConfig        SamplingConfig
	DetectionConfig       DetectionConfig
	QIConfig              QIConfig
	StartedAt             time.Time
	EndedAt               time.Time
	Duration              time.Duration
}

// PagedResult is a generic offset/limit page of items, matching the
// repository pagination convention used elsewhere (page, size, total).
type PagedResult[T any] struct {
	Items      []T
	Page       int
	Size       int
	TotalCount int64
}
