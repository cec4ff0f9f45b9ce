package events

import (
	"testing"

	"github.com/jhump/protoreflect/dynamic"
	"github.com/stretchr/testify/require"
)

func TestLoadSchema(t *testing.T) {
	s, err := LoadSchema()
	require.NoError(t, err)
	require.NotNil(t, s.Envelope)
	require.NotNil(t, s.DeviceFound)
	require.NotNil(t, s.PollCompleted)
	require.NotNil(t, s.DeviceStateChanged)
	require.NotNil(t, s.RestartIssued)
}

func TestEnvelopeRoundtrip(t *testing.T) {
	s, err := LoadSchema()
	require.NoError(t, err)

	env := s.NewEnvelope(PollCompleted)
	env.SetFieldByName("device_id", "AA:BB:CC:DD:EE:FF")
	env.SetFieldByName("ip", "10.0.0.5")
	pc := dynamic.NewMessage(s.PollCompleted)
	pc.SetFieldByName("ok", true)
	pc.SetFieldByName("hashrate_ghs", 512.5)
	env.SetFieldByName("poll_completed", pc)

	b, err := Marshal(env)
	require.NoError(t, err)
	require.NotEmpty(t, b)

	back, err := UnmarshalEnvelope(s, b)
	require.NoError(t, err)
	require.Equal(t, PollCompleted, back.GetFieldByName("subject"))
	require.Equal(t, "AA:BB:CC:DD:EE:FF", back.GetFieldByName("device_id"))

	id, ok := back.GetFieldByName("id").(string)
	require.True(t, ok)
	require.NotEmpty(t, id)
}

func TestSubject(t *testing.T) {
	require.Equal(t, "axefleet.poll.completed", Subject("axefleet", PollCompleted))
	require.Equal(t, "poll.completed", Subject("", PollCompleted))
}
