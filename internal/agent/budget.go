package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/nugget/loopgate/internal/llm"
)

// trimNoticePrefix marks the synthetic system message inserted by Trim.
const trimNoticePrefix = "[context trimmed]"

// Archiver stores history dropped by trimming so it can be recovered.
type Archiver interface {
	Archive(ctx context.Context, key, requestID string, msgs []llm.Message) error
}

// TrimReport describes what Trim did.
type TrimReport struct {
	Trimmed         bool
	TokensBefore    int
	TokensAfter     int
	MessagesDropped int
	ArchiveKey      string
}

// ContextBudgetManager keeps the outgoing history under a token
// threshold by collapsing it to the system prompt, a trim notice and
// the latest user message.
type ContextBudgetManager struct {
	maxTokens int
	est       TokenEstimator
	archiver  Archiver
	logger    *slog.Logger
}

// NewContextBudgetManager creates a manager. archiver may be nil.
func NewContextBudgetManager(maxTokens int, est TokenEstimator, archiver Archiver, logger *slog.Logger) *ContextBudgetManager {
	if est == nil {
		est = CharEstimator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBudgetManager{
		maxTokens: maxTokens,
		est:       est,
		archiver:  archiver,
		logger:    logger,
	}
}

// Estimate returns the estimated token cost of msgs.
func (m *ContextBudgetManager) Estimate(msgs []llm.Message) int {
	return EstimateMessages(m.est, msgs)
}

// Trim returns msgs unchanged when they fit, otherwise the reduced
// history. The input slice is never modified.
func (m *ContextBudgetManager) Trim(ctx context.Context, requestID string, msgs []llm.Message) ([]llm.Message, TrimReport) {
	before := m.Estimate(msgs)
	report := TrimReport{TokensBefore: before, TokensAfter: before}
	if before <= m.maxTokens {
		return msgs, report
	}

	userIdx := llm.LastUserMessage(msgs)
	if userIdx < 0 {
		return msgs, report
	}

	var system *llm.Message
	for i := range msgs {
		if msgs[i].Role == llm.RoleSystem && !isTrimNotice(msgs[i]) {
			system = &msgs[i]
			break
		}
	}

	kept := 1
	if system != nil {
		kept++
	}
	// Already minimal: nothing further can be dropped.
	if len(msgs) <= kept || (len(msgs) == kept+1 && hasTrimNotice(msgs)) {
		return msgs, report
	}

	dropped := len(msgs) - kept
	key := HistoryKey(msgs)

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, key, requestID, msgs); err != nil {
			m.logger.Warn("failed to archive trimmed history",
				"request_id", requestID, "key", key, "error", err)
		}
	}

	out := make([]llm.Message, 0, kept+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, llm.Message{
		Role:    llm.RoleSystem,
		Content: trimNotice(before, dropped, key, m.archiver != nil),
	})
	out = append(out, msgs[userIdx])

	report.Trimmed = true
	report.MessagesDropped = dropped
	report.ArchiveKey = key
	report.TokensAfter = m.Estimate(out)

	m.logger.Info("context trimmed",
		"request_id", requestID,
		"tokens_before", before,
		"tokens_after", report.TokensAfter,
		"messages_dropped", dropped,
		"archive_key", key,
	)
	return out, report
}

func trimNotice(tokens, dropped int, key string, archived bool) string {
	where := "was not archived"
	if archived {
		where = fmt.Sprintf("can be recovered from the archive under key %s", key)
	}
	return fmt.Sprintf("%s %d earlier messages (about %d tokens) were dropped to fit the context window. The full history %s. Only the latest user message is kept below.",
		trimNoticePrefix, dropped, tokens, where)
}

func isTrimNotice(m llm.Message) bool {
	return m.Role == llm.RoleSystem && strings.HasPrefix(m.Content, trimNoticePrefix)
}

func hasTrimNotice(msgs []llm.Message) bool {
	for _, m := range msgs {
		if isTrimNotice(m) {
			return true
		}
	}
	return false
}

// HistoryKey returns a stable recovery key for msgs.
func HistoryKey(msgs []llm.Message) string {
	h := xxhash.New()
	for _, m := range msgs {
		h.WriteString(m.Role)
		h.Write([]byte{0})
		h.WriteString(m.Content)
		h.Write([]byte{0})
		for _, tc := range m.ToolCalls {
			h.WriteString(tc.ID)
			h.WriteString(tc.Name)
			h.WriteString(tc.Arguments)
			h.Write([]byte{0})
		}
		h.WriteString(m.ToolCallID)
		h.Write([]byte{1})
	}
	return fmt.Sprintf("trim-%016x", h.Sum64())
}
