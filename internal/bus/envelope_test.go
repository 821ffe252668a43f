package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/scene"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	req := scene.Request{
		JobID:       uuid.NewString(),
		TenantID:    "tenant-a",
		Payload:     json.RawMessage(`{"scene":"alpha"}`),
		Deadline:    time.Now().Add(5 * time.Second).UTC(),
		SubmittedAt: time.Now().UTC(),
	}

	env, err := NewEnvelope(SubjectGenRequest, req)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, env.V)
	assert.Equal(t, SubjectGenRequest, env.Type)
	assert.NotEmpty(t, env.ID)
	assert.InDelta(t, time.Now().UnixMilli(), env.TS, 1000)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)

	var got scene.Request
	require.NoError(t, decoded.DecodeBody(&got))
	assert.Equal(t, req.JobID, got.JobID)
	assert.Equal(t, req.TenantID, got.TenantID)
	assert.JSONEq(t, string(req.Payload), string(got.Payload))
}

func TestDecodeUnknownVersion(t *testing.T) {
	data := []byte(`{"v":2,"type":"reality.gen.request","id":"x","ts":1,"body":{}}`)
	_, err := DecodeEnvelope(data)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindInvalidRequest))
	assert.Contains(t, err.Error(), "IncompatibleVersion")
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{not json`))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindInvalidRequest))
}

func TestDecodeMissingType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"v":1,"id":"x","ts":1,"body":{}}`))
	require.Error(t, err)
}

func TestTraceparentCarried(t *testing.T) {
	env, err := NewEnvelope(SubjectGenResult, map[string]string{"k": "v"})
	require.NoError(t, err)
	env.Traceparent = "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01"

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.Traceparent, decoded.Traceparent)
}
