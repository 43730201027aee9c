package zap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagHelpers(t *testing.T) {
	var f ChannelFlag
	Set(&f, ChannelReady|ChannelOpen)
	assert.True(t, Test(f, ChannelOpen))
	assert.True(t, Test(f, ChannelOpen|ChannelHold), "any bit matches")
	assert.False(t, Test(f, ChannelHold))

	Clear(&f, ChannelOpen)
	assert.Equal(t, ChannelReady, f)
}

func TestFlagCopy(t *testing.T) {
	dst := ChannelReady | ChannelDTMFDetect
	src := ChannelSupressDTMF | ChannelHold
	Copy(&dst, src, ChannelDTMFDetect|ChannelSupressDTMF)

	assert.Equal(t, ChannelReady|ChannelSupressDTMF, dst)
}

func TestFlagStrings(t *testing.T) {
	assert.Equal(t, "READY|OPEN", (ChannelReady | ChannelOpen).String())
	assert.Equal(t, "NONE", ChannelFlag(0).String())
	assert.Equal(t, "MUTE", ChannelMute.String())
	assert.Equal(t, []string{"RED", "AIS"}, (AlarmRed | AlarmAIS).Names())
	assert.Equal(t, "GENERAL", AlarmGeneral.String())
	assert.Equal(t, "IN_THREAD", SpanInThread.String())
	assert.Equal(t, "CODECS|PROGRESS", (FeatureCodecs | FeatureProgress).String())
}
