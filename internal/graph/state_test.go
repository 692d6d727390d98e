package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/llm"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

func TestApplyAppendsMessages(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(Update{KeyMessages: []llm.Message{llm.UserMessage("hello")}}))
	require.NoError(t, s.Apply(Update{KeyMessages: []llm.Message{llm.AssistantMessage("hi")}}))

	require.Len(t, s.Messages, 2)
	assert.Equal(t, llm.RoleUser, s.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, s.Messages[1].Role)
}

func TestApplyRejectsUnknownKey(t *testing.T) {
	s := NewState()
	err := s.Apply(Update{"bogus_field": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state key")
}

func TestApplyMergesCapabilitySet(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(Update{KeyActiveCapabilities: []string{"deploy", "infrastructure"}}))
	require.NoError(t, s.Apply(Update{KeyActiveCapabilities: []string{"deploy", "engineering"}}))

	assert.Equal(t, []string{"deploy", "engineering", "infrastructure"}, s.ActiveCapabilities)
	assert.True(t, s.HasCapability("engineering"))
	assert.False(t, s.HasCapability("admin"))
}

func TestApplyMergesMapsKeywise(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(Update{KeyAllocatedResources: map[string]string{"server_handle": "vps-1", "port": "8080"}}))
	require.NoError(t, s.Apply(Update{KeyAllocatedResources: map[string]string{"port": "9090"}}))

	assert.Equal(t, "vps-1", s.AllocatedResources["server_handle"])
	assert.Equal(t, "9090", s.AllocatedResources["port"])
}

func TestApplyIterationCountersNeverDecrease(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(Update{KeyPOIterations: 5}))
	require.NoError(t, s.Apply(Update{KeyPOIterations: 3}))
	assert.Equal(t, 5, s.POIterations)

	require.NoError(t, s.Apply(Update{KeyEngineeringIterations: 2}))
	require.NoError(t, s.Apply(Update{KeyEngineeringIterations: 1}))
	assert.Equal(t, 2, s.EngineeringIterations)
}

func TestApplyMutualExclusion(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(Update{KeyAwaitingUserResponse: true}))
	require.NoError(t, s.Apply(Update{KeyUserConfirmedComplete: true}))

	assert.True(t, s.UserConfirmedComplete)
	assert.False(t, s.AwaitingUserResponse, "confirming completion clears the awaiting flag")

	err := s.Apply(Update{KeyAwaitingUserResponse: true, KeyUserConfirmedComplete: true})
	require.Error(t, err)
}

func TestApplyEnvPlanNeverHoldsValues(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(Update{KeyEnvPlan: map[string]v1.EnvClass{
		"DATABASE_URL":       v1.EnvClassInfra,
		"TELEGRAM_BOT_TOKEN": v1.EnvClassUser,
	}}))
	require.NoError(t, s.Apply(Update{KeyEnvPlan: map[string]v1.EnvClass{"APP_NAME": v1.EnvClassComputed}}))

	assert.Len(t, s.EnvPlan, 3)
	assert.Equal(t, v1.EnvClassUser, s.EnvPlan["TELEGRAM_BOT_TOKEN"])
}

func TestCloneIsDeep(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(Update{
		KeyMessages:           []llm.Message{llm.UserMessage("hi")},
		KeyAllocatedResources: map[string]string{"port": "8080"},
	}))

	clone, err := s.Clone()
	require.NoError(t, err)

	clone.AllocatedResources["port"] = "9090"
	clone.Messages[0].Content = "changed"

	assert.Equal(t, "8080", s.AllocatedResources["port"])
	assert.Equal(t, "hi", s.Messages[0].Content)
}
