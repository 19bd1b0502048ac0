// Package detect implements the ensemble detection engine: signature,
// pattern, behavioral and fuzzy scoring merged into ranked results.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/busrecon/busrecon/internal/domain"
	"github.com/busrecon/busrecon/internal/score"
)

// Secondary signals can lift a signature-method confidence by at most this much.
const maxSecondaryBoost = 0.2

// Numeric primary signals match within this relative tolerance.
const numericTolerance = 0.05

// Detector is the ensemble detection engine. All state behind the mutex:
// Detect, RegisterSignature, Reinforce and Stats may be called concurrently.
type Detector struct {
	mu         sync.Mutex
	cfg        Config
	env        *cel.Env
	signatures map[string]*domain.DetectionSignature
	guards     map[string]cel.Program
	outcomes   map[string]*signatureOutcome

	totalDetections int
	totalResults    int
	avgConfidence   float64
	history         []domain.DetectionResult

	// feedback, when set, receives the top result of a learning-eligible
	// pass. Invoked on its own goroutine, off the hot path.
	feedback func(domain.DetectionFeedback)
}

// Config holds detector tuning.
type Config struct {
	ConfidenceThreshold float64
	SimilarityThreshold float64
	LearningEnabled     bool
	HistoryLimit        int
}

type signatureOutcome struct {
	attempts  int
	successes int
}

// Input carries one observation into a detection pass.
type Input struct {
	// Signals holds the current observed value per signal name.
	Signals map[string]any

	// Series optionally holds a numeric time series per signal name,
	// used for correlation scoring.
	Series map[string][]float64

	// Samples optionally holds timestamped observations, used for
	// behavioral scoring.
	Samples []domain.SignalSample

	// Context holds caller-supplied variables exposed to guard expressions.
	Context map[string]any
}

// NewDetector creates an ensemble detector.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.7
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}

	// Guard expressions see the observed signal map plus caller context.
	env, err := cel.NewEnv(
		cel.Variable("signals", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard environment: %w", err)
	}

	return &Detector{
		cfg:        cfg,
		env:        env,
		signatures: make(map[string]*domain.DetectionSignature),
		guards:     make(map[string]cel.Program),
		outcomes:   make(map[string]*signatureOutcome),
	}, nil
}

// SetFeedbackHook installs the learner callback. Must be called before the
// detector is shared across goroutines.
func (d *Detector) SetFeedbackHook(fn func(domain.DetectionFeedback)) {
	d.feedback = fn
}

// RegisterSignature adds or overwrites a signature by name, last-write-wins.
// A guard that fails to compile rejects the registration.
func (d *Detector) RegisterSignature(sig *domain.DetectionSignature) error {
	if sig == nil || sig.Name == "" {
		return fmt.Errorf("signature name is required")
	}

	registered := *sig
	if registered.ConfidenceWeight == 0 {
		registered.ConfidenceWeight = 1.0
	}
	registered.ConfidenceWeight = domain.ClampConfidenceWeight(registered.ConfidenceWeight)

	var guard cel.Program
	if registered.Guard != "" {
		var err error
		guard, err = d.compileGuard(registered.Name, registered.Guard)
		if err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.signatures[registered.Name] = &registered
	if guard != nil {
		d.guards[registered.Name] = guard
	} else {
		delete(d.guards, registered.Name)
	}

	return nil
}

// SignatureCount returns the number of registered signatures.
func (d *Detector) SignatureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.signatures)
}

// Signatures returns copies of the registered signatures.
func (d *Detector) Signatures() []*domain.DetectionSignature {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*domain.DetectionSignature, 0, len(d.signatures))
	for _, sig := range d.signatures {
		cp := *sig
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Detect runs the requested method over the registered signatures and returns
// results ordered by descending confidence. A failure inside any one method
// is logged and contributes nothing; the pass itself never aborts.
func (d *Detector) Detect(ctx context.Context, in *Input, method domain.Method) ([]domain.DetectionResult, error) {
	if in == nil {
		return nil, fmt.Errorf("detection input is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := d.candidateSignatures(in)

	var results []domain.DetectionResult
	switch method {
	case domain.MethodSignature:
		results = d.runMethod(method, func() []domain.DetectionResult { return d.detectSignature(in, candidates) })
	case domain.MethodPattern:
		results = d.runMethod(method, func() []domain.DetectionResult { return d.detectPattern(in, candidates) })
	case domain.MethodBehavioral:
		results = d.runMethod(method, func() []domain.DetectionResult { return d.detectBehavioral(in, candidates) })
	case domain.MethodFuzzy:
		results = d.runMethod(method, func() []domain.DetectionResult { return d.detectFuzzy(in, candidates) })
	case domain.MethodEnsemble:
		results = d.detectEnsemble(in, candidates)
	default:
		return nil, fmt.Errorf("unknown detection method: %s", method)
	}

	results = d.finalize(results)
	d.recordPass(results)

	if d.cfg.LearningEnabled && len(results) > 0 && results[0].Confidence >= 0.8 {
		d.reinforceLocked(results[0].DetectedItem, true, results[0].Confidence)
		if d.feedback != nil {
			fb := domain.DetectionFeedback{
				DetectedItem: results[0].DetectedItem,
				Confidence:   results[0].Confidence,
				Signals:      in.Signals,
				Verified:     false,
				Timestamp:    time.Now().UTC(),
			}
			go d.feedback(fb)
		}
	}

	return results, nil
}

// runMethod absorbs panics from a single method so one bad signature shape
// cannot abort the pass.
func (d *Detector) runMethod(method domain.Method, fn func() []domain.DetectionResult) (results []domain.DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("detection method failed",
				"method", method,
				"error", r,
			)
			results = nil
		}
	}()
	return fn()
}

// candidateSignatures filters out signatures vetoed by their guard for this
// observation. A guard evaluation error is absorbed as no-veto.
func (d *Detector) candidateSignatures(in *Input) []*domain.DetectionSignature {
	activation := map[string]any{
		"signals": in.Signals,
		"ctx":     in.Context,
	}
	if in.Context == nil {
		activation["ctx"] = map[string]any{}
	}
	if in.Signals == nil {
		activation["signals"] = map[string]any{}
	}

	out := make([]*domain.DetectionSignature, 0, len(d.signatures))
	for name, sig := range d.signatures {
		if guard, ok := d.guards[name]; ok {
			val, _, err := guard.Eval(activation)
			if err == nil {
				if b, ok := val.(types.Bool); ok && !bool(b) {
					continue
				}
			} else {
				slog.Debug("guard evaluation failed",
					"signature", name,
					"error", err,
				)
			}
		}
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// detectSignature matches each primary signal exactly (within tolerance) and
// blends the match ratio with the correlation score.
func (d *Detector) detectSignature(in *Input, candidates []*domain.DetectionSignature) []domain.DetectionResult {
	var results []domain.DetectionResult
	series := buildSeries(in)

	for _, sig := range candidates {
		if len(sig.PrimarySignals) == 0 {
			continue
		}

		var matched, missing []string
		for name, expected := range sig.PrimarySignals {
			observed, ok := in.Signals[name]
			if ok && primaryMatches(expected, observed) {
				matched = append(matched, name)
			} else {
				missing = append(missing, name)
			}
		}
		if len(matched) == 0 {
			continue
		}
		sort.Strings(matched)
		sort.Strings(missing)

		ratio := float64(len(matched)) / float64(len(sig.PrimarySignals))
		confidence := ratio * sig.ConfidenceWeight
		confidence += secondaryBoost(sig, in.Signals)

		correlation := score.Correlate(series, sig)
		confidence = 0.7*confidence + 0.3*correlation
		confidence = math.Min(1.0, confidence)

		if confidence < d.cfg.ConfidenceThreshold {
			continue
		}

		results = append(results, domain.DetectionResult{
			DetectedItem:     sig.Name,
			Method:           domain.MethodSignature,
			Confidence:       confidence,
			Level:            domain.LevelFor(confidence),
			SignalsMatched:   matched,
			SignalsMissing:   missing,
			CorrelationScore: correlation,
			Timestamp:        time.Now().UTC(),
		})
	}
	return results
}

// detectPattern scores the full primary-signal map with the fuzzy matcher.
func (d *Detector) detectPattern(in *Input, candidates []*domain.DetectionSignature) []domain.DetectionResult {
	return d.patternResults(in, candidates, domain.MethodPattern, d.cfg.SimilarityThreshold, 1.0)
}

// detectFuzzy is the pattern method with a relaxed threshold and a reporting
// penalty on the resulting confidence.
func (d *Detector) detectFuzzy(in *Input, candidates []*domain.DetectionSignature) []domain.DetectionResult {
	return d.patternResults(in, candidates, domain.MethodFuzzy, 0.8*d.cfg.SimilarityThreshold, 0.9)
}

func (d *Detector) patternResults(in *Input, candidates []*domain.DetectionSignature, method domain.Method, threshold, scale float64) []domain.DetectionResult {
	var results []domain.DetectionResult
	for _, sig := range candidates {
		if len(sig.PrimarySignals) == 0 {
			continue
		}

		similarity := score.FuzzyMatch(sig.PrimarySignals, in.Signals, sig.SignalWeights)
		if similarity < threshold {
			continue
		}

		confidence := similarity * scale
		results = append(results, domain.DetectionResult{
			DetectedItem:   sig.Name,
			Method:         method,
			Confidence:     confidence,
			Level:          domain.LevelFor(confidence),
			SignalsMatched: overlappingKeys(sig.PrimarySignals, in.Signals),
			Timestamp:      time.Now().UTC(),
		})
	}
	return results
}

// detectBehavioral scores only signatures that declare behavioral patterns,
// so the neutral no-declaration default never surfaces as a detection.
func (d *Detector) detectBehavioral(in *Input, candidates []*domain.DetectionSignature) []domain.DetectionResult {
	var results []domain.DetectionResult
	for _, sig := range candidates {
		if len(sig.BehavioralPatterns) == 0 || len(sig.PrimarySignals) == 0 {
			continue
		}

		behavioral := score.AnalyzeBehavior(in.Samples, sig)
		if behavioral < 0.5 {
			continue
		}

		results = append(results, domain.DetectionResult{
			DetectedItem:    sig.Name,
			Method:          domain.MethodBehavioral,
			Confidence:      behavioral,
			Level:           domain.LevelFor(behavioral),
			BehavioralScore: behavioral,
			Timestamp:       time.Now().UTC(),
		})
	}
	return results
}

// detectEnsemble composes the four base methods and merges per detected item.
// The first occurrence is the base; later ones fold in via the 0.6/0.4
// weighted average with deduplicated signal lists.
func (d *Detector) detectEnsemble(in *Input, candidates []*domain.DetectionSignature) []domain.DetectionResult {
	type methodRun struct {
		method domain.Method
		fn     func() []domain.DetectionResult
	}
	runs := []methodRun{
		{domain.MethodSignature, func() []domain.DetectionResult { return d.detectSignature(in, candidates) }},
		{domain.MethodPattern, func() []domain.DetectionResult { return d.detectPattern(in, candidates) }},
		{domain.MethodBehavioral, func() []domain.DetectionResult { return d.detectBehavioral(in, candidates) }},
		{domain.MethodFuzzy, func() []domain.DetectionResult { return d.detectFuzzy(in, candidates) }},
	}

	merged := make(map[string]*domain.DetectionResult)
	var order []string

	for _, run := range runs {
		for _, result := range d.runMethod(run.method, run.fn) {
			existing, ok := merged[result.DetectedItem]
			if !ok {
				cp := result
				cp.Method = domain.MethodEnsemble
				merged[result.DetectedItem] = &cp
				order = append(order, result.DetectedItem)
				continue
			}

			existing.Confidence = 0.6*existing.Confidence + 0.4*result.Confidence
			existing.Level = domain.LevelFor(existing.Confidence)
			existing.SignalsMatched = dedupStrings(append(existing.SignalsMatched, result.SignalsMatched...))
			existing.SignalsMissing = dedupStrings(append(existing.SignalsMissing, result.SignalsMissing...))
			existing.AlternativeMatches = dedupStrings(append(existing.AlternativeMatches, result.AlternativeMatches...))
			existing.CorrelationScore = math.Max(existing.CorrelationScore, result.CorrelationScore)
			existing.BehavioralScore = math.Max(existing.BehavioralScore, result.BehavioralScore)
		}
	}

	out := make([]domain.DetectionResult, 0, len(order))
	for _, item := range order {
		out = append(out, *merged[item])
	}
	return out
}

// finalize applies the confidence threshold and sorts descending, breaking
// ties by item name for deterministic output.
func (d *Detector) finalize(results []domain.DetectionResult) []domain.DetectionResult {
	filtered := results[:0]
	for _, r := range results {
		if r.Confidence >= d.cfg.ConfidenceThreshold {
			r.Level = domain.LevelFor(r.Confidence)
			filtered = append(filtered, r)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Confidence != filtered[j].Confidence {
			return filtered[i].Confidence > filtered[j].Confidence
		}
		return filtered[i].DetectedItem < filtered[j].DetectedItem
	})
	return filtered
}

// recordPass updates running counters and the bounded detection history.
func (d *Detector) recordPass(results []domain.DetectionResult) {
	d.totalDetections++
	for _, r := range results {
		d.totalResults++
		d.avgConfidence += (r.Confidence - d.avgConfidence) / float64(d.totalResults)
		d.history = append(d.history, r)
	}
	if over := len(d.history) - d.cfg.HistoryLimit; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
}

// Reinforce applies the confidence-weight learning rules for one signature:
// a verified high-confidence success multiplies the weight by 1.01 (clamped
// to 2.0 per call); a success rate below 0.5 subtracts a flat 0.1 (floor 0).
// This is the only code path that mutates a registered weight.
func (d *Detector) Reinforce(name string, success bool, confidence float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reinforceLocked(name, success, confidence)
}

func (d *Detector) reinforceLocked(name string, success bool, confidence float64) {
	sig, ok := d.signatures[name]
	if !ok {
		return
	}

	outcome := d.outcomes[name]
	if outcome == nil {
		outcome = &signatureOutcome{}
		d.outcomes[name] = outcome
	}
	outcome.attempts++
	if success {
		outcome.successes++
	}

	if success && confidence >= 0.8 {
		sig.ConfidenceWeight = math.Min(domain.MaxConfidenceWeight, sig.ConfidenceWeight*1.01)
	}

	rate := float64(outcome.successes) / float64(outcome.attempts)
	if rate < 0.5 {
		sig.ConfidenceWeight = math.Max(0, sig.ConfidenceWeight-0.1)
	}
}

// Weight returns the current confidence weight for a signature.
func (d *Detector) Weight(name string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sig, ok := d.signatures[name]
	if !ok {
		return 0, false
	}
	return sig.ConfidenceWeight, true
}

// Stats returns a counter snapshot.
func (d *Detector) Stats() domain.DetectorStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.DetectorStats{
		TotalDetections:      d.totalDetections,
		TotalResults:         d.totalResults,
		AvgConfidence:        d.avgConfidence,
		RegisteredSignatures: len(d.signatures),
		HistorySize:          len(d.history),
	}
}

// History returns a copy of the bounded detection history, oldest first.
func (d *Detector) History() []domain.DetectionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DetectionResult, len(d.history))
	copy(out, d.history)
	return out
}

func (d *Detector) compileGuard(name, expr string) (cel.Program, error) {
	ast, issues := d.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile guard for %s: %w", name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("guard for %s: expression must return bool, got %s", name, ast.OutputType())
	}
	program, err := d.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard program for %s: %w", name, err)
	}
	return program, nil
}

// buildSeries assembles the per-signal series map fed to the correlation
// analyzer: explicit series win, numeric scalars become single-point series,
// and every other observed signal is present with an empty series so
// coverage counting sees it.
func buildSeries(in *Input) map[string][]float64 {
	series := make(map[string][]float64, len(in.Signals)+len(in.Series))
	for name, value := range in.Signals {
		if f, ok := toFloat(value); ok {
			series[name] = []float64{f}
		} else {
			series[name] = nil
		}
	}
	for name, s := range in.Series {
		series[name] = s
	}
	return series
}

// primaryMatches applies the exact-match rules for the signature method:
// numeric within 5% relative tolerance, case-insensitive string equality,
// set equality for lists.
func primaryMatches(expected, observed any) bool {
	if fe, ok := toFloat(expected); ok {
		fo, ok := toFloat(observed)
		if !ok {
			return false
		}
		if fe == 0 && fo == 0 {
			return true
		}
		return math.Abs(fe-fo) <= numericTolerance*math.Max(math.Abs(fe), math.Abs(fo))
	}

	if se, ok := expected.(string); ok {
		so, ok := observed.(string)
		return ok && strings.EqualFold(se, so)
	}

	return score.FuzzyMatch(map[string]any{"v": expected}, map[string]any{"v": observed}, nil) == 1.0
}

func secondaryBoost(sig *domain.DetectionSignature, signals map[string]any) float64 {
	if len(sig.SecondarySignals) == 0 {
		return 0
	}
	matched := 0
	for name, expected := range sig.SecondarySignals {
		if observed, ok := signals[name]; ok && primaryMatches(expected, observed) {
			matched++
		}
	}
	return maxSecondaryBoost * float64(matched) / float64(len(sig.SecondarySignals))
}

func overlappingKeys(pattern, target map[string]any) []string {
	var keys []string
	for k := range pattern {
		if _, ok := target[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
