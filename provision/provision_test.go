package provision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNameIsSanitised(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "alice-my-web-server-1700000000123", Name("Alice", "My Web_Server!", at))
}

func TestSplitRef(t *testing.T) {
	owner, name, err := SplitRef("alice/alice-web1-1")
	assert.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "alice-web1-1", name)

	for _, bad := range []string{"", "alice", "../x", "a/b/c", "a/.."} {
		_, _, err := SplitRef(bad)
		assert.Error(t, err, bad)
	}
}
