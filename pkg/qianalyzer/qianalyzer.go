// Package qianalyzer implements the Quasi-Identifier Analyzer (spec §4.6):
// it filters non-PII columns to eligible candidates, measures pairwise
// correlation, clusters correlated columns into groups, and scores each
// group's re-identification risk.
//
// Pairwise correlation assumes the sampler's per-column value slices are
// row-aligned (the i-th value of every column in a table came from the same
// underlying row); columns are zipped up to the shorter slice when sample
// sizes differ.
package qianalyzer

import (
	"math"
	"sort"

	"github.com/privsense/engine/pkg/models"
)

const minEligibleEntropy = 0.3

// Analyze returns the quasi-identifier groups found among detectionResults,
// annotating member results in place (§4.6).
func Analyze(detectionResults []models.DetectionResult, sampleData map[string]models.SampleData, cfg models.QIConfig) []models.QuasiIdentifierGroup {
	cfg = withQIDefaults(cfg)
	if !cfg.Enabled {
		return nil
	}

	eligible := eligibleColumns(detectionResults, sampleData, cfg)
	if len(eligible) < cfg.MinGroupSize {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool { return lessColumn(eligible[i].Column, eligible[j].Column) })

	corr := correlationMatrix(eligible, sampleData)

	var memberSets [][]int
	switch cfg.Algorithm {
	case models.QIAlgorithmDBSCAN:
		memberSets = dbscanCluster(eligible, corr, cfg)
	default:
		memberSets = graphCluster(eligible, corr, cfg)
	}

	resultByColumn := make(map[string]*models.DetectionResult, len(detectionResults))
	for i := range detectionResults {
		resultByColumn[detectionResults[i].Column.Key()] = &detectionResults[i]
	}

	var groups []models.QuasiIdentifierGroup
	for _, idxs := range memberSets {
		if len(idxs) < cfg.MinGroupSize || len(idxs) > cfg.MaxGroupSize {
			continue
		}
		members := make([]models.DetectionResult, len(idxs))
		for i, idx := range idxs {
			members[i] = eligible[idx]
		}
		risk := groupRisk(members, sampleData, cfg)
		if risk < cfg.RiskThreshold {
			continue
		}

		columns := make([]models.ColumnInfo, len(members))
		for i, m := range members {
			columns[i] = m.Column
		}
		group := models.QuasiIdentifierGroup{Columns: columns, Risk: risk, Method: cfg.Algorithm}
		groups = append(groups, group)

		for _, m := range members {
			if r, ok := resultByColumn[m.Column.Key()]; ok {
				r.IsQuasiIdentifier = true
				r.QuasiIdentifierRiskScore = risk
				r.ClusteringMethod = cfg.Algorithm
				r.CorrelatedColumns = append([]models.ColumnInfo{}, columns...)
			}
		}
	}
	return groups
}

func withQIDefaults(cfg models.QIConfig) models.QIConfig {
	if cfg.CorrelationThreshold == 0 {
		cfg.CorrelationThreshold = 0.7
	}
	if cfg.MinDistinctValues == 0 {
		cfg.MinDistinctValues = 5
	}
	if cfg.MaxDistinctValueRatio == 0 {
		cfg.MaxDistinctValueRatio = 0.8
	}
	if cfg.MinGroupSize == 0 {
		cfg.MinGroupSize = 2
	}
	if cfg.MaxGroupSize == 0 {
		cfg.MaxGroupSize = 8
	}
	if cfg.KAnonymityThreshold == 0 {
		cfg.KAnonymityThreshold = 5
	}
	if cfg.RiskThreshold == 0 {
		cfg.RiskThreshold = 0.7
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = models.QIAlgorithmGraph
	}
	return cfg
}

func lessColumn(a, b models.ColumnInfo) bool {
	if a.Table != b.Table {
		return a.Table < b.Table
	}
	return a.Name < b.Name
}

// eligibleColumns applies §4.6's eligibility filter: no PII winner, not a
// key column, sufficient but not excessive cardinality, non-trivial entropy.
func eligibleColumns(detectionResults []models.DetectionResult, sampleData map[string]models.SampleData, cfg models.QIConfig) []models.DetectionResult {
	var out []models.DetectionResult
	for _, dr := range detectionResults {
		if dr.HasPii || dr.Column.PrimaryKey || dr.Column.ForeignKey {
			continue
		}
		sample, ok := sampleData[dr.Column.Key()]
		if !ok || sample.Status != models.SampleStatusOK || sample.TotalRows == 0 {
			continue
		}
		if sample.DistinctCount < cfg.MinDistinctValues {
			continue
		}
		if float64(sample.DistinctCount)/float64(sample.TotalRows) > cfg.MaxDistinctValueRatio {
			continue
		}
		if sample.Entropy != nil && *sample.Entropy < minEligibleEntropy {
			continue
		}
		out = append(out, dr)
	}
	return out
}

// correlationMatrix computes |correlation| between every eligible column
// pair: Pearson r for numeric/numeric pairs, Cramér's V otherwise.
func correlationMatrix(eligible []models.DetectionResult, sampleData map[string]models.SampleData) [][]float64 {
	n := len(eligible)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a := sampleData[eligible[i].Column.Key()]
			b := sampleData[eligible[j].Column.Key()]
			c := columnPairCorrelation(a, b)
			matrix[i][j] = c
			matrix[j][i] = c
		}
	}
	return matrix
}

func columnPairCorrelation(a, b models.SampleData) float64 {
	n := minInt(len(a.Values), len(b.Values))
	if n == 0 {
		return 0
	}
	af, aok := asNumeric(a.Values[:n])
	bf, bok := asNumeric(b.Values[:n])
	if aok && bok {
		return math.Abs(pearson(af, bf))
	}
	return cramersV(toStrings(a.Values[:n]), toStrings(b.Values[:n]))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func asNumeric(values []any) ([]float64, bool) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, ok := toFloat(v)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func toStrings(values []any) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = toComparableString(v)
	}
	return out
}

func toComparableString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

// pearson computes the Pearson product-moment correlation coefficient.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumX2 += xs[i] * xs[i]
		sumY2 += ys[i] * ys[i]
	}
	numerator := n*sumXY - sumX*sumY
	denominator := math.Sqrt((n*sumX2 - sumX*sumX) * (n*sumY2 - sumY*sumY))
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// cramersV computes Cramér's V for two categorical value slices of equal
// length, via the chi-squared statistic over their contingency table.
func cramersV(a, b []string) float64 {
	n := len(a)
	if n == 0 {
		return 0
	}
	rowIndex := map[string]int{}
	colIndex := map[string]int{}
	for i := range a {
		if _, ok := rowIndex[a[i]]; !ok {
			rowIndex[a[i]] = len(rowIndex)
		}
		if _, ok := colIndex[b[i]]; !ok {
			colIndex[b[i]] = len(colIndex)
		}
	}
	r, k := len(rowIndex), len(colIndex)
	if r < 2 || k < 2 {
		return 0
	}

	observed := make([][]int, r)
	for i := range observed {
		observed[i] = make([]int, k)
	}
	rowTotals := make([]int, r)
	colTotals := make([]int, k)
	for i := range a {
		ri, ci := rowIndex[a[i]], colIndex[b[i]]
		observed[ri][ci]++
		rowTotals[ri]++
		colTotals[ci]++
	}

	chi2 := 0.0
	nf := float64(n)
	for i := 0; i < r; i++ {
		for j := 0; j < k; j++ {
			expected := float64(rowTotals[i]) * float64(colTotals[j]) / nf
			if expected == 0 {
				continue
			}
			diff := float64(observed[i][j]) - expected
			chi2 += diff * diff / expected
		}
	}

	minDim := r - 1
	if k-1 < minDim {
		minDim = k - 1
	}
	if minDim == 0 {
		return 0
	}
	return math.Sqrt(chi2 / nf / float64(minDim))
}

// graphCluster builds an undirected graph with an edge wherever correlation
// meets the threshold and returns its connected components.
func graphCluster(eligible []models.DetectionResult, corr [][]float64, cfg models.QIConfig) [][]int {
	n := len(eligible)
	visited := make([]bool, n)
	var components [][]int
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		var component []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			component = append(component, node)
			for j := 0; j < n; j++ {
				if !visited[j] && corr[node][j] >= cfg.CorrelationThreshold {
					visited[j] = true
					queue = append(queue, j)
				}
			}
		}
		sort.Ints(component)
		components = append(components, component)
	}
	return components
}

// dbscanCluster runs DBSCAN over the distance matrix d=1-|correlation|,
// retrying once with a relaxed epsilon if the first pass finds no clusters
// (§4.6).
func dbscanCluster(eligible []models.DetectionResult, corr [][]float64, cfg models.QIConfig) [][]int {
	eps := 1 - cfg.CorrelationThreshold
	clusters := runDBSCAN(len(eligible), corr, eps, cfg.MinGroupSize)
	if len(clusters) == 0 {
		clusters = runDBSCAN(len(eligible), corr, eps+0.1, cfg.MinGroupSize)
	}
	return clusters
}

func runDBSCAN(n int, corr [][]float64, eps float64, minPts int) [][]int {
	const unvisited, noise, clustered = 0, 1, 2
	state := make([]int, n)
	var clusters [][]int

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			if 1-corr[i][j] <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	for i := 0; i < n; i++ {
		if state[i] != unvisited {
			continue
		}
		nbrs := neighbors(i)
		if len(nbrs)+1 < minPts {
			state[i] = noise
			continue
		}

		cluster := []int{i}
		state[i] = clustered
		seeds := append([]int{}, nbrs...)
		for len(seeds) > 0 {
			j := seeds[0]
			seeds = seeds[1:]
			if state[j] == noise {
				state[j] = clustered
				cluster = append(cluster, j)
			}
			if state[j] != unvisited {
				continue
			}
			state[j] = clustered
			cluster = append(cluster, j)
			jNbrs := neighbors(j)
			if len(jNbrs)+1 >= minPts {
				seeds = append(seeds, jNbrs...)
			}
		}
		sort.Ints(cluster)
		clusters = append(clusters, cluster)
	}
	return clusters
}

// groupRisk scores a candidate group's re-identification risk (§4.6):
// risk = 0.6*kAnonymityFactor + 0.4*normalizedEntropy.
func groupRisk(members []models.DetectionResult, sampleData map[string]models.SampleData, cfg models.QIConfig) float64 {
	if len(members) == 0 {
		return 0
	}

	var totalRows int64
	var distinctProduct int64 = 1
	var entropySum float64
	entropyCount := 0
	for _, m := range members {
		sample := sampleData[m.Column.Key()]
		if sample.TotalRows > totalRows {
			totalRows = sample.TotalRows
		}
		if sample.DistinctCount > 0 {
			distinctProduct *= sample.DistinctCount
		}
		if sample.Entropy != nil {
			entropySum += *sample.Entropy
			entropyCount++
		}
	}
	if totalRows == 0 {
		return 0
	}
	if distinctProduct > totalRows {
		distinctProduct = totalRows
	}
	if distinctProduct == 0 {
		distinctProduct = 1
	}

	kAnonymity := float64(totalRows) / float64(distinctProduct)
	if kAnonymity > float64(totalRows) {
		kAnonymity = float64(totalRows)
	}
	kAnonymityFactor := cfg.KAnonymityThreshold / (kAnonymity + 1)
	if kAnonymityFactor > 1 {
		kAnonymityFactor = 1
	}

	normalizedEntropy := 0.0
	if entropyCount > 0 && totalRows > 1 {
		meanEntropy := entropySum / float64(entropyCount)
		normalizedEntropy = meanEntropy / math.Log2(float64(totalRows))
	}
	if normalizedEntropy < 0 {
		normalizedEntropy = 0
	}
	if normalizedEntropy > 1 {
		normalizedEntropy = 1
	}

	return 0.6*kAnonymityFactor + 0.4*normalizedEntropy
}
