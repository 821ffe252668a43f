// Package scene defines the wire-level records that move through the
// pipeline: generation requests, results, persisted records and live frames.
package scene

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/holorelay/holorelay/internal/errkind"
)

// Payload size limits. Requests carry client input, results carry the
// generated scene, so the result budget is larger.
const (
	MaxRequestPayloadBytes = 64 << 10  // 64 KiB
	MaxScenePayloadBytes   = 256 << 10 // 256 KiB
)

// Result error kinds carried in SceneResult.ErrorKind.
const (
	ErrKindExpired  = "expired"
	ErrKindTimeout  = "timeout"
	ErrKindInvalid  = "invalid"
	ErrKindInternal = "internal"
)

// Request is a scene-generation request submitted by a client.
// JobID is client-generated and unique per submission.
type Request struct {
	JobID       string          `json:"jobID"`
	TenantID    string          `json:"tenantID"`
	Payload     json.RawMessage `json:"payload"`
	Deadline    time.Time       `json:"deadline"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// Validate checks the structural invariants of a request.
func (r *Request) Validate() error {
	if _, err := uuid.Parse(r.JobID); err != nil {
		return errkind.Newf(errkind.KindInvalidRequest, "jobID is not a valid UUID: %q", r.JobID)
	}
	if r.TenantID == "" {
		return errkind.New(errkind.KindInvalidRequest, "tenantID is required")
	}
	if len(r.Payload) > MaxRequestPayloadBytes {
		return errkind.Newf(errkind.KindInvalidRequest,
			"payload too large: %d bytes (max %d)", len(r.Payload), MaxRequestPayloadBytes)
	}
	if !r.Deadline.After(r.SubmittedAt) {
		return errkind.New(errkind.KindInvalidRequest, "deadline must be after submittedAt")
	}
	return nil
}

// Expired reports whether the request deadline has passed at now.
func (r *Request) Expired(now time.Time) bool {
	return now.After(r.Deadline)
}

// Result is the outcome of one generation attempt. Exactly one of Scene or
// Error is set; SceneID is populated iff Success.
type Result struct {
	JobID      string          `json:"jobID"`
	TenantID   string          `json:"tenantID"`
	Success    bool            `json:"success"`
	SceneID    string          `json:"sceneID,omitempty"`
	Scene      json.RawMessage `json:"scene,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"errorKind,omitempty"`
	ProducedAt time.Time       `json:"producedAt"`
	WorkerID   string          `json:"workerID"`
	LatencyMs  int64           `json:"latencyMs"`
}

// Validate checks the scene/error exclusivity invariant.
func (res *Result) Validate() error {
	if res.Success {
		if res.SceneID == "" || len(res.Scene) == 0 {
			return errkind.New(errkind.KindInvalidRequest, "successful result requires sceneID and scene")
		}
		if res.Error != "" {
			return errkind.New(errkind.KindInvalidRequest, "successful result must not carry an error")
		}
		if len(res.Scene) > MaxScenePayloadBytes {
			return errkind.Newf(errkind.KindInvalidRequest,
				"scene too large: %d bytes (max %d)", len(res.Scene), MaxScenePayloadBytes)
		}
		return nil
	}
	if res.Error == "" {
		return errkind.New(errkind.KindInvalidRequest, "failed result requires an error")
	}
	if len(res.Scene) != 0 || res.SceneID != "" {
		return errkind.New(errkind.KindInvalidRequest, "failed result must not carry a scene")
	}
	return nil
}

// Record is what the store holds for one generated scene. Records are
// created on the worker success path and never mutated.
type Record struct {
	SceneID    string          `json:"sceneID"`
	TenantID   string          `json:"tenantID"`
	Scene      json.RawMessage `json:"scene"`
	CreatedAt  time.Time       `json:"createdAt"`
	ProducedBy string          `json:"producedBy"`
}

// Frame is a scene packaged for live delivery. Transient, never persisted.
// Seq is assigned by the broadcast engine, monotonic per tenant.
type Frame struct {
	SceneID  string          `json:"sceneID"`
	TenantID string          `json:"tenantID"`
	Seq      uint64          `json:"seq"`
	TS       time.Time       `json:"ts"`
	Body     json.RawMessage `json:"body"`
}
