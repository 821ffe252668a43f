package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSubjectClosedSet(t *testing.T) {
	assert.NoError(t, ValidateSubject(SubjectGenRequest))
	assert.NoError(t, ValidateSubject(SubjectGenResult))
	assert.NoError(t, ValidateSubject(FrameSubject("tenant-a")))
	assert.NoError(t, ValidateSubject(FrameSubjectWildcard()))

	assert.Error(t, ValidateSubject("reality.gen.unknown"))
	assert.Error(t, ValidateSubject("odin.token.BTC.trade"))
	assert.Error(t, ValidateSubject("reality.frame."))
	assert.Error(t, ValidateSubject("reality.frame.a.b"))
	assert.Error(t, ValidateSubject(""))
}

func TestTenantFromFrameSubject(t *testing.T) {
	tenant, ok := TenantFromFrameSubject("reality.frame.tenant-a")
	assert.True(t, ok)
	assert.Equal(t, "tenant-a", tenant)

	_, ok = TenantFromFrameSubject("reality.gen.request")
	assert.False(t, ok)

	_, ok = TenantFromFrameSubject("reality.frame.a.b")
	assert.False(t, ok)
}

func TestSubjectClass(t *testing.T) {
	assert.Equal(t, "reality.frame", SubjectClass(FrameSubject("t1")))
	assert.Equal(t, SubjectGenRequest, SubjectClass(SubjectGenRequest))
}
