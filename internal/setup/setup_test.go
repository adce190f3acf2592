package setup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSudoers(t *testing.T) {
	out, err := RenderSudoers(SudoersData{ServiceUser: "redmine", Account: "git"})
	require.NoError(t, err)

	assert.Contains(t, out, "redmine ALL=(git) NOPASSWD: ALL\n")
	assert.Contains(t, out, "Defaults:redmine !requiretty")
	assert.Contains(t, out, "do not edit manually")
}

func TestRenderSudoersRejectsInvalidNames(t *testing.T) {
	for _, data := range []SudoersData{
		{ServiceUser: "", Account: "git"},
		{ServiceUser: "redmine", Account: ""},
		{ServiceUser: "redmine ALL=(ALL) ALL", Account: "git"},
		{ServiceUser: "redmine", Account: "git\nroot"},
	} {
		_, err := RenderSudoers(data)
		assert.Error(t, err, "%+v", data)
	}
}

func TestSudoersPath(t *testing.T) {
	assert.Equal(t, "/etc/sudoers.d/githost-redmine", SudoersPath("redmine"))
}
