package bus

import (
	"fmt"
	"strings"

	"github.com/holorelay/holorelay/internal/errkind"
)

// The closed set of subjects. Anything outside this set is a configuration
// error, caught at publish/subscribe time rather than silently fanned out.
const (
	SubjectGenRequest  = "reality.gen.request"
	SubjectGenResult   = "reality.gen.result"
	subjectFramePrefix = "reality.frame."
)

// QueueGroupWorkers is the queue group shared by all scene-worker replicas.
// Queue-group semantics give at-most-one delivery per replica set.
const QueueGroupWorkers = "scene-workers"

// FrameSubject returns the per-tenant frame subject.
func FrameSubject(tenantID string) string {
	return subjectFramePrefix + tenantID
}

// FrameSubjectWildcard subscribes to frames for all tenants.
func FrameSubjectWildcard() string {
	return subjectFramePrefix + "*"
}

// TenantFromFrameSubject extracts the tenant from a frame subject.
func TenantFromFrameSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, subjectFramePrefix) {
		return "", false
	}
	tenant := strings.TrimPrefix(subject, subjectFramePrefix)
	if tenant == "" || strings.Contains(tenant, ".") {
		return "", false
	}
	return tenant, true
}

// ValidateSubject rejects subjects outside the closed set.
func ValidateSubject(subject string) error {
	switch subject {
	case SubjectGenRequest, SubjectGenResult:
		return nil
	}
	if _, ok := TenantFromFrameSubject(subject); ok {
		return nil
	}
	if subject == FrameSubjectWildcard() {
		return nil
	}
	return errkind.Wrap(errkind.KindInvalidRequest,
		fmt.Errorf("subject %q is not in the closed set", subject), "validate subject")
}

// SubjectClass collapses per-tenant frame subjects into one metric label so
// label cardinality stays bounded.
func SubjectClass(subject string) string {
	if strings.HasPrefix(subject, subjectFramePrefix) {
		return "reality.frame"
	}
	return subject
}
