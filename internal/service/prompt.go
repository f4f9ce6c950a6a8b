package service

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/pkg/llm"
)

// minChunkRunes 是截断后仍值得放进提示词的最短分块正文长度。
const minChunkRunes = 80

// Prompt 是发送给大模型的消息序列。
type Prompt struct {
	Messages []llm.Message
	// Sources 是实际写入提示词的分块 ID，按引用编号排列。
	Sources []string
}

// Len 返回所有消息内容的字符数。
func (p Prompt) Len() int {
	n := 0
	for _, m := range p.Messages {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// Grounded 表示提示词是否包含检索上下文。
func (p Prompt) Grounded() bool {
	return len(p.Sources) > 0
}

// PromptComposer 在字符预算内组装提示词。
// 优先级：系统指令与问题 > 最近的对话 > 得分最高的分块。结果只取决于输入。
type PromptComposer struct {
	cfg config.LLMPromptConfig
}

// NewPromptComposer 创建一个 PromptComposer，未配置的项使用默认值。
func NewPromptComposer(cfg config.LLMPromptConfig) *PromptComposer {
	if cfg.RefStart == "" {
		cfg.RefStart = "<context>"
	}
	if cfg.RefEnd == "" {
		cfg.RefEnd = "</context>"
	}
	if cfg.NoResultText == "" {
		cfg.NoResultText = "(no course material retrieved)"
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 12000
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	return &PromptComposer{cfg: cfg}
}

// Budget 返回字符预算。
func (c *PromptComposer) Budget() int { return c.cfg.MaxChars }

// Compose 组装提示词：system 消息承载规则与引用上下文，随后是历史消息和本轮问题。
// 无论输入多大，返回值的 Len() 都不超过预算。
func (c *PromptComposer) Compose(question string, chunks []RetrievedChunk, history []model.Message) Prompt {
	budget := c.cfg.MaxChars
	rules := c.cfg.Rules
	if len(chunks) == 0 && c.cfg.UngroundedRule != "" {
		rules = c.cfg.UngroundedRule
	}
	var header string
	if rules != "" {
		header = rules + "\n\n"
	}
	header += c.cfg.RefStart + "\n"
	footer := c.cfg.RefEnd
	noResult := c.cfg.NoResultText + "\n"

	// 1. 必需部分：规则、引用包裹符、无结果占位和问题
	fixed := runes(header) + runes(footer) + runes(noResult)
	if fixed > budget {
		header = truncateRunes(header, budget-runes(footer)-runes(noResult))
		if runes(header)+runes(footer)+runes(noResult) > budget {
			header, footer, noResult = truncateRunes(header+noResult+footer, budget), "", ""
		}
		fixed = runes(header) + runes(footer) + runes(noResult)
	}
	question = truncateRunes(question, budget-fixed)
	remaining := budget - fixed - runes(question)

	// 2. 历史：从最新往前取完整消息，失败的轮次（问题和回复）都不进入提示词
	var kept []llm.Message
	limit := c.cfg.HistoryTurns * 2
	dropQuestion := false
	for i := len(history) - 1; i >= 0 && len(kept) < limit; i-- {
		m := history[i]
		if m.Sender == model.SenderAssistant {
			dropQuestion = m.Failed()
		} else if dropQuestion {
			// 失败回复之前的那条问题没有得到回答
			dropQuestion = false
			continue
		}
		if m.Failed() || m.Content == "" {
			continue
		}
		n := runes(m.Content)
		if n > remaining {
			break
		}
		role := llm.RoleUser
		if m.Sender == model.SenderAssistant {
			role = llm.RoleAssistant
		}
		kept = append(kept, llm.Message{Role: role, Content: m.Content})
		remaining -= n
	}

	// 3. 分块：按得分从高到低，放不下时截断最后一个
	ordered := make([]RetrievedChunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	// 放入分块后不再需要无结果占位，其长度可以让给分块
	remaining += runes(noResult)
	var body strings.Builder
	var sources []string
	for _, ch := range ordered {
		label := ch.DocumentName
		if label == "" {
			label = "unknown"
		}
		prefix := fmt.Sprintf("[%d] (%s) ", len(sources)+1, label)
		line := prefix + ch.Text + "\n"
		n := runes(line)
		if n <= remaining {
			body.WriteString(line)
			sources = append(sources, ch.ChunkID)
			remaining -= n
			continue
		}
		room := remaining - runes(prefix) - runes("…\n")
		if room >= minChunkRunes {
			body.WriteString(prefix + truncateRunes(ch.Text, room) + "…\n")
			sources = append(sources, ch.ChunkID)
		}
		break
	}
	if len(sources) == 0 {
		body.WriteString(noResult)
	}

	msgs := make([]llm.Message, 0, len(kept)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: header + body.String() + footer})
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs, kept[i])
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: question})
	return Prompt{Messages: msgs, Sources: sources}
}

func runes(s string) int {
	return utf8.RuneCountInString(s)
}

// truncateRunes 截取前 n 个字符，n 不为正时返回空串。
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
