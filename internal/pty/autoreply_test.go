package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAutoReplyMatchesWithinChunk(t *testing.T) {
	m := newAutoReplyMatcher()
	m.Install("Terminate batch job (Y/N)?", "Y\r")

	replies := m.Scan("some output\r\nTerminate batch job (Y/N)? ")
	assert.Equal(t, []string{"Y\r"}, replies)
}

func TestAutoReplyMatchesAcrossChunks(t *testing.T) {
	m := newAutoReplyMatcher()
	m.Install("continue? [y/n]", "y\n")

	assert.Empty(t, m.Scan("do you want to conti"))
	assert.Equal(t, []string{"y\n"}, m.Scan("nue? [y/n] "))
}

func TestAutoReplyDoesNotRetriggerFromCarry(t *testing.T) {
	m := newAutoReplyMatcher()
	m.Install("[y/n]", "y\n")

	assert.Equal(t, []string{"y\n"}, m.Scan("proceed [y/n]"))
	assert.Empty(t, m.Scan(" "))
}

func TestAutoReplyReinstallReplaces(t *testing.T) {
	m := newAutoReplyMatcher()
	m.Install("prompt", "old")
	m.Install("prompt", "new")

	assert.Equal(t, []string{"new"}, m.Scan("prompt"))
}

func TestAutoReplyUninstallAll(t *testing.T) {
	m := newAutoReplyMatcher()
	m.Install("prompt", "y")
	m.UninstallAll()

	assert.Empty(t, m.Scan("prompt"))
}

func TestAutoReplyNoRepliesInstalled(t *testing.T) {
	m := newAutoReplyMatcher()
	assert.Empty(t, m.Scan("anything"))
}
