package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTopic(t *testing.T) {
	kind, id, ok := ParseTopic(ChannelTopic("ch_1"))
	assert.True(t, ok)
	assert.Equal(t, TopicChannel, kind)
	assert.Equal(t, "ch_1", id)

	kind, id, ok = ParseTopic(UserTopic("u1"))
	assert.True(t, ok)
	assert.Equal(t, TopicUser, kind)
	assert.Equal(t, "u1", id)

	for _, bad := range []string{"", "channel:", "user:", "team:1", "ch_1"} {
		_, _, ok := ParseTopic(bad)
		assert.False(t, ok, bad)
	}
}
