package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyspace(t *testing.T) {
	assert.Equal(t, "mmengine:runner:s1", NewKeyspace("").Key("runner", "s1"))
	assert.Equal(t, "desk-a:lock:strategy:s1", NewKeyspace(" desk-a: ").Key("lock", "strategy", "s1"))
	assert.Equal(t, "mmengine:audit", NewKeyspace("mmengine").Key("audit"))
}
