package executor

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Parsed is the information extracted from the CLI's output.
type Parsed struct {
	Text      string
	IsError   bool
	CostUSD   float64
	SessionID string
}

// ParseOutput understands three shapes: a single JSON result object, a
// stream of JSON lines ending in a "result" event, and plain text.
func ParseOutput(out string) Parsed {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return Parsed{}
	}

	if gjson.Valid(trimmed) {
		if r := gjson.Parse(trimmed); r.IsObject() && r.Get("result").Exists() {
			return fromResult(r)
		}
	}

	var (
		last  gjson.Result
		texts []string
	)
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if !gjson.Valid(line) {
			continue
		}
		ev := gjson.Parse(line)
		switch ev.Get("type").String() {
		case "result":
			last = ev
		case "assistant":
			ev.Get("message.content").ForEach(func(_, item gjson.Result) bool {
				if item.Get("type").String() == "text" {
					texts = append(texts, item.Get("text").String())
				}
				return true
			})
		}
	}
	if last.Exists() {
		return fromResult(last)
	}
	if len(texts) > 0 {
		return Parsed{Text: strings.Join(texts, "\n")}
	}
	return Parsed{Text: out}
}

func fromResult(r gjson.Result) Parsed {
	return Parsed{
		Text:      r.Get("result").String(),
		IsError:   r.Get("is_error").Bool() || r.Get("subtype").String() == "error",
		CostUSD:   r.Get("total_cost_usd").Float(),
		SessionID: r.Get("session_id").String(),
	}
}
