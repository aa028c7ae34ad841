package messages

import (
	"context"
	"regexp"
	"strings"

	"github.com/eldtechnologies/arena/internal/models"
)

const statusGuardWindow = 8

var (
	statusOnlyPattern = regexp.MustCompile(`(?i)(收到|在执行|处理中|开始处理|我会|我将|先处理|稍后回报|马上回报|我先|working on it|on it\b|i'll|i will|will report back)`)

	evidencePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(node|npm|go|git|rg|curl|redis-cli|claude|codex|make)\b`),
		regexp.MustCompile(`(?i)(\b(pass|passed|fail|failed|error|diff|line|commit)\b|通过|失败|报错|行号)`),
		regexp.MustCompile(`\b\d+\s*/\s*\d+\b`),
		regexp.MustCompile(`(?i)\b[\w./-]+\.(js|ts|tsx|jsx|json|md|yml|yaml|sh|go)\b`),
		regexp.MustCompile("`[^`]+`"),
	}
)

// IsEvidence reports whether text carries concrete progress: a command, a
// file name, a pass/fail result, a ratio or a code span.
func IsEvidence(text string) bool {
	for _, re := range evidencePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// IsStatusOnly reports whether text is an acknowledgement without evidence.
func IsStatusOnly(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" {
		return false
	}
	return statusOnlyPattern.MatchString(s) && !IsEvidence(s)
}

// BlocksStatusLoop reports whether an agent's status-only post should be
// refused because its previous chat message in the room was status-only too.
func (s *Store) BlocksStatusLoop(ctx context.Context, roomID string, sender models.Participant, content string) (bool, error) {
	if !sender.IsAgent() || !IsStatusOnly(content) {
		return false, nil
	}
	recent, err := s.Recent(ctx, roomID, statusGuardWindow)
	if err != nil {
		return false, err
	}
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if !m.IsChat() {
			continue
		}
		if m.From != sender.Name {
			return false, nil
		}
		return IsStatusOnly(m.Content), nil
	}
	return false, nil
}
