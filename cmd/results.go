package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/dtb-go/evaluator/internal/evaluation"
)

// ResultsJSONEvaluation is one entry of a results file.
type ResultsJSONEvaluation struct {
	evaluation.Result
	RunID          string  `json:"run_id"`
	Timestamp      string  `json:"timestamp"`
	HeapAllocBytes float64 `json:"heap_alloc_bytes"`
	HeapInuseBytes float64 `json:"heap_inuse_bytes"`
	HeapSysBytes   float64 `json:"heap_sys_bytes"`
}

func newResultsJSON(runID string, at time.Time, res evaluation.Result, mem *Memstats) ResultsJSONEvaluation {
	r := ResultsJSONEvaluation{
		Result:    res,
		RunID:     runID,
		Timestamp: at.Format(timestampLayout),
	}
	if mem != nil {
		r.HeapAllocBytes = mem.HeapAllocBytes
		r.HeapInuseBytes = mem.HeapInuseBytes
		r.HeapSysBytes = mem.HeapSysBytes
	}
	return r
}

func (r ResultsJSONEvaluation) WriteTextTo(w io.Writer) (int64, error) {
	n, err := w.Write([]byte(fmt.Sprintf("%s: %s %s = %.3f\n",
		r.Timestamp, r.InputType, r.Metric, r.Value)))
	return int64(n), err
}

func (r ResultsJSONEvaluation) WriteJSONTo(w io.Writer) (int, error) {
	bytes, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return 0, err
	}
	return w.Write(append(bytes, '\n'))
}

// toMap flattens r into a generic map and merges labels into it.
func (r ResultsJSONEvaluation) toMap(labels map[string]string) (map[string]interface{}, error) {
	jsonData, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "convert result to json")
	}

	var resultMap map[string]interface{}
	if err := json.Unmarshal(jsonData, &resultMap); err != nil {
		return nil, errors.Wrap(err, "convert json to map")
	}

	for key, value := range labels {
		resultMap[key] = value
	}
	return resultMap, nil
}

// writeResultsFile stores results as an indented JSON array in
// <dir>/<runID>.json and returns the path.
func writeResultsFile(dir, runID string, results []map[string]interface{}) (string, error) {
	data, err := json.MarshalIndent(results, "", "    ")
	if err != nil {
		return "", errors.Wrap(err, "marshal evaluation results")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create results directory")
	}

	path := filepath.Join(dir, runID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write evaluation results")
	}
	return path, nil
}
