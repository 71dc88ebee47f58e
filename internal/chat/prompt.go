package chat

import (
	"strings"

	"github.com/digitaldemocracy2030/idobata/internal/llm"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

// DefaultSystemPrompt is used for themes without a custom prompt.
const DefaultSystemPrompt = `あなたは、ユーザーが抱える課題やその解決策についての考えを深めるための、対話型アシスタントです。以下の点を意識して応答してください。

1. 安全第一: 個人情報（氏名、住所、電話番号など）は聞き出さないでください。ユーザーが書き込んだ場合も繰り返さないでください。
2. 課題の深掘り: ユーザーの発言から、具体的な課題や状況を丁寧に引き出してください。「誰が」「どんな状況で」「なぜ困っているのか」を明確にする質問をしてください。
3. 解決策の探求: 課題が明確になったら、どうすれば解決できるかについても一緒に考えてください。
4. 簡潔さ: 応答は短く、一度に一つの質問に絞ってください。
5. 中立性: 特定の政党や個人を支持・批判する発言は避けてください。`

// buildMessages assembles the system prompt, the theme's questions, the
// optional focus question and the tail of the conversation.
func buildMessages(theme *store.Theme, questions []store.SharpQuestion, focus *store.SharpQuestion, history []store.Message, historySize int) []llm.Message {
	var sys strings.Builder
	if p := strings.TrimSpace(theme.CustomPrompt); p != "" {
		sys.WriteString(p)
	} else {
		sys.WriteString(DefaultSystemPrompt)
	}

	sys.WriteString("\n\n現在の議論テーマ: ")
	sys.WriteString(theme.Title)
	if theme.Description != "" {
		sys.WriteString("\n")
		sys.WriteString(theme.Description)
	}

	if len(questions) > 0 {
		sys.WriteString("\n\n参考情報として、このテーマで議論されている重要な問いは以下の通りです:\n")
		for _, q := range questions {
			sys.WriteString("- ")
			sys.WriteString(q.QuestionText)
			sys.WriteString("\n")
		}
	}

	if focus != nil {
		sys.WriteString("\n\n今回の対話では、特に次の問いに焦点を当てて話を深めてください:\n")
		sys.WriteString(focus.QuestionText)
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}}

	var turns []store.Message
	for _, m := range history {
		if m.Role == llm.RoleUser || m.Role == llm.RoleAssistant {
			turns = append(turns, m)
		}
	}
	if historySize > 0 && len(turns) > historySize {
		turns = turns[len(turns)-historySize:]
	}
	for _, m := range turns {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}
