// Package broker defines the wire encoding shared by broker transports.
package broker

import (
	"encoding/json"
	"fmt"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// EncodeJob serializes a job message for the job channel.
func EncodeJob(job pipeline.Job) ([]byte, error) {
	if job.ID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// DecodeJob parses a job channel payload.
func DecodeJob(data []byte) (pipeline.Job, error) {
	var job pipeline.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return pipeline.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	if job.ID == "" {
		return pipeline.Job{}, fmt.Errorf("job message missing job_id")
	}
	return job, nil
}

// EncodeResult serializes a result message for the result channel.
func EncodeResult(result pipeline.Result) ([]byte, error) {
	if result.JobID == "" {
		return nil, fmt.Errorf("result job id is required")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// DecodeResult parses a result channel payload.
func DecodeResult(data []byte) (pipeline.Result, error) {
	var result pipeline.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return pipeline.Result{}, fmt.Errorf("unmarshal result: %w", err)
	}
	if result.JobID == "" {
		return pipeline.Result{}, fmt.Errorf("result message missing job_id")
	}
	return result, nil
}
