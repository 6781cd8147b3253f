package pty

import (
	"strings"
	"sync"

	"github.com/lumenide/backend/internal/term"
)

// autoReplyMatcher watches session output for installed match strings and
// produces the replies to write back. A small tail of previous output is
// carried so matches split across read chunks are still found.
type autoReplyMatcher struct {
	mu      sync.Mutex
	replies []term.AutoReply
	carry   string
	maxLen  int
}

func newAutoReplyMatcher() *autoReplyMatcher {
	return &autoReplyMatcher{}
}

// Install registers an output-triggered reply. Reinstalling the same match
// replaces the previous reply.
func (m *autoReplyMatcher) Install(match, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.replies {
		if m.replies[i].Match == match {
			m.replies[i].Reply = reply
			return
		}
	}
	m.replies = append(m.replies, term.AutoReply{Match: match, Reply: reply})
	if len(match) > m.maxLen {
		m.maxLen = len(match)
	}
}

// UninstallAll removes every installed reply.
func (m *autoReplyMatcher) UninstallAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = nil
	m.carry = ""
	m.maxLen = 0
}

// Scan checks one output chunk and returns the replies it triggered.
func (m *autoReplyMatcher) Scan(chunk string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.replies) == 0 {
		return nil
	}

	window := m.carry + chunk
	var out []string
	for _, r := range m.replies {
		if strings.Contains(window, r.Match) {
			out = append(out, r.Reply)
		}
	}

	// Keep at most maxLen-1 trailing bytes so a completed match can never
	// retrigger from the carry alone.
	switch {
	case m.maxLen <= 1:
		m.carry = ""
	case len(window) > m.maxLen-1:
		m.carry = window[len(window)-(m.maxLen-1):]
	default:
		m.carry = window
	}
	return out
}
