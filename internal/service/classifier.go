package service

import (
	"strings"

	"studymate-go/internal/model"
	"studymate-go/pkg/embedding"
)

// Decision 表示一轮问答是否需要检索。
type Decision int

const (
	DecisionRetrieve Decision = iota
	DecisionSkip
)

func (d Decision) String() string {
	if d == DecisionSkip {
		return "SKIP"
	}
	return "RETRIEVE"
}

// smallTalk 是不携带学习内容的寒暄词。
var smallTalk = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "thanks": {}, "thank": {}, "thx": {}, "ok": {}, "okay": {},
	"bye": {}, "goodbye": {}, "good": {}, "morning": {}, "afternoon": {}, "evening": {}, "night": {},
	"great": {}, "cool": {}, "nice": {}, "yes": {}, "no": {}, "sure": {}, "cheers": {}, "welcome": {},
	"你好": {}, "谢谢": {}, "再见": {}, "好的": {},
}

// ClassifyQuestion 决定是否检索：作用域为空时跳过；去掉停用词与寒暄词后没有任何内容词时跳过；其余一律检索。
func ClassifyQuestion(question string, scope model.Scope) Decision {
	if scope.Empty() {
		return DecisionSkip
	}
	for _, tok := range embedding.Tokenize(question) {
		if _, ok := smallTalk[strings.ToLower(tok)]; !ok {
			return DecisionRetrieve
		}
	}
	return DecisionSkip
}
