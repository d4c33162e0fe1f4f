package trace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/warden/pkg/contracts"
)

func steps() []contracts.TraceStep {
	return []contracts.TraceStep{
		{StepID: "s1", Type: contracts.StepToolCall, Payload: []byte(`{"tool":"exec","argv0":"ls"}`)},
		{StepID: "s2", Type: contracts.StepToolResult, Payload: []byte(`{"exit":0}`)},
		{StepID: "s3", Type: contracts.StepLLMCall},
	}
}

func chained(t *testing.T) *contracts.TraceBundle {
	t.Helper()
	out, err := Chain("tr-1", steps())
	require.NoError(t, err)
	return &contracts.TraceBundle{TraceID: "tr-1", TenantID: "local", AdapterID: "openclaw", Steps: out}
}

func TestVerify_ChainedBundleIsVerified(t *testing.T) {
	require.Equal(t, contracts.IntegrityVerified, Verify(chained(t)))
}

func TestVerify_NoHashesIsUnsigned(t *testing.T) {
	b := &contracts.TraceBundle{TraceID: "tr-1", Steps: steps()}
	require.Equal(t, contracts.IntegrityUnsigned, Verify(b))

	empty := &contracts.TraceBundle{TraceID: "tr-1"}
	require.Equal(t, contracts.IntegrityUnsigned, Verify(empty))
}

func TestVerify_TamperedPayloadIsCompromised(t *testing.T) {
	b := chained(t)
	b.Steps[1].Payload = []byte(`{"exit":1}`)
	require.Equal(t, contracts.IntegrityCompromised, Verify(b))
}

func TestVerify_BrokenLinkIsCompromised(t *testing.T) {
	b := chained(t)
	b.Steps[2].PrevStepHash = "forged"
	require.Equal(t, contracts.IntegrityCompromised, Verify(b))
}

func TestVerify_DroppedStepIsCompromised(t *testing.T) {
	b := chained(t)
	b.Steps = append(b.Steps[:1], b.Steps[2:]...)
	require.Equal(t, contracts.IntegrityCompromised, Verify(b))
}

func TestVerify_PartialHashesAreCompromised(t *testing.T) {
	b := chained(t)
	b.Steps[2].StepHash = ""
	require.Equal(t, contracts.IntegrityCompromised, Verify(b))
}

func TestVerify_WrongTraceIDIsCompromised(t *testing.T) {
	b := chained(t)
	b.TraceID = "tr-other"
	require.Equal(t, contracts.IntegrityCompromised, Verify(b))
}

func TestValidateSteps(t *testing.T) {
	b := chained(t)
	require.NoError(t, ValidateSteps(b))

	b.Steps[0].StepID = ""
	require.Error(t, ValidateSteps(b))

	b = chained(t)
	b.Steps[1].Type = "telepathy"
	require.Error(t, ValidateSteps(b))

	b = chained(t)
	b.Steps[1].StepID = b.Steps[0].StepID
	require.Error(t, ValidateSteps(b))

	b = chained(t)
	b.Steps[0].Payload = []byte(`{broken`)
	require.Error(t, ValidateSteps(b))
}
