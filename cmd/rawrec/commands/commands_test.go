package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/rawrec/pkg/recorder"
)

func TestToneSamplesPerBuffer(t *testing.T) {
	samples, err := toneSamplesPerBuffer(4096, &recorder.AudioConfig{
		SampleFormat: "s16",
		Channels:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1024, samples)

	samples, err = toneSamplesPerBuffer(2048, &recorder.AudioConfig{
		SampleFormat: "s16",
		Channels:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1024, samples)

	_, err = toneSamplesPerBuffer(4096, &recorder.AudioConfig{
		SampleFormat: "flt",
		Channels:     2,
	})
	require.Error(t, err)
}
