package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// Signal represents a control signal emitted by the agent in its result text.
type Signal int

const (
	// SignalNone indicates no signal was detected in the output.
	SignalNone Signal = iota

	// SignalComplete indicates every task in the plan is done.
	SignalComplete
)

// String returns the string representation of the signal.
func (s Signal) String() string {
	switch s {
	case SignalComplete:
		return "COMPLETE"
	default:
		return "NONE"
	}
}

// CompleteSentinel is the exact text the agent emits when the task list
// has no incomplete items left.
const CompleteSentinel = "<promise>COMPLETE</promise>"

// commitPattern matches <commit>message</commit>, across lines.
var commitPattern = regexp.MustCompile(`(?s)<commit>\s*(.*?)\s*</commit>`)

// ParseSignals scans the agent result text for control signals.
func ParseSignals(output string) Signal {
	if strings.Contains(output, CompleteSentinel) {
		return SignalComplete
	}
	return SignalNone
}

// ParseCommitMessage extracts the first non-empty <commit> tag from the
// agent result text. Only the first line of the tag body is kept as the
// subject; the rest becomes the body, separated by a blank line.
func ParseCommitMessage(output string) string {
	for _, m := range commitPattern.FindAllStringSubmatch(output, -1) {
		msg := strings.TrimSpace(m[1])
		if msg == "" {
			continue
		}
		subject, body, found := strings.Cut(msg, "\n")
		subject = strings.TrimSpace(subject)
		if !found {
			return subject
		}
		body = strings.TrimSpace(body)
		if body == "" {
			return subject
		}
		return subject + "\n\n" + body
	}
	return ""
}

// CommitMessage picks the commit message for iteration n: the agent's
// <commit> tag, then the task captured before the call, then a generic label.
func CommitMessage(output, task string, n int) string {
	if msg := ParseCommitMessage(output); msg != "" {
		return msg
	}
	if task = strings.TrimSpace(task); task != "" {
		return task
	}
	return "looper: iteration " + strconv.Itoa(n)
}
