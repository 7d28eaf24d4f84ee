package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	old := []string{Version, Commit, Date}
	t.Cleanup(func() { Version, Commit, Date = old[0], old[1], old[2] })

	Version, Commit, Date = "v0.3.1", "abc1234", "2026-01-02"
	assert.Equal(t, "inkflow v0.3.1 (commit abc1234, built 2026-01-02)", Info())
}
