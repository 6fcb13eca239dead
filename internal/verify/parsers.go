package verify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Iron-Ham/swarm/internal/errors"
)

// ParseResult is a parser's reading of a gate command's output.
type ParseResult struct {
	Passed  bool
	Summary string
	Issues  []Issue
}

// Parser converts raw command output into a ParseResult.
type Parser interface {
	Parse(output string, exitCode int) ParseResult
}

// Parser names accepted in gate configuration.
const (
	ParserGeneric  = "generic"
	ParserGoTest   = "gotest"
	ParserESLint   = "eslint"
	ParserNPMAudit = "npm-audit"
)

// ParserFor returns the parser registered under name. An empty name selects
// the generic parser.
func ParserFor(name string) (Parser, error) {
	switch name {
	case "", ParserGeneric:
		return GenericParser{}, nil
	case ParserGoTest:
		return GoTestParser{}, nil
	case ParserESLint:
		return ESLintParser{}, nil
	case ParserNPMAudit:
		return NPMAuditParser{}, nil
	default:
		return nil, errors.NewValidationError("unknown parser").WithField("parser").WithValue(name)
	}
}

// maxOutputLen caps how much output the generic parser keeps as evidence.
const maxOutputLen = 8000

// GenericParser passes on exit code 0 and keeps the output tail on failure.
type GenericParser struct{}

func (GenericParser) Parse(output string, exitCode int) ParseResult {
	if exitCode == 0 {
		return ParseResult{Passed: true, Summary: "passed (exit code 0)"}
	}
	tail := strings.TrimSpace(output)
	if len(tail) > maxOutputLen {
		tail = "...(truncated)\n" + tail[len(tail)-maxOutputLen:]
	}
	res := ParseResult{Summary: fmt.Sprintf("exit code %d, output %d bytes", exitCode, len(output))}
	if tail != "" {
		res.Issues = []Issue{{Severity: "error", Message: tail}}
	}
	return res
}

// GoTestParser reads `go test -json` event streams.
type GoTestParser struct{}

func (GoTestParser) Parse(output string, exitCode int) ParseResult {
	var (
		passed, failed int
		issues         []Issue
		sawEvent       bool
		testOutput     = map[string]*strings.Builder{}
	)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !gjson.Valid(line) {
			continue
		}
		ev := gjson.Parse(line)
		action := ev.Get("Action").String()
		if action == "" {
			continue
		}
		sawEvent = true
		test := ev.Get("Test").String()
		key := ev.Get("Package").String() + "." + test
		switch action {
		case "output":
			if test == "" {
				continue
			}
			b, ok := testOutput[key]
			if !ok {
				b = &strings.Builder{}
				testOutput[key] = b
			}
			b.WriteString(ev.Get("Output").String())
		case "pass":
			if test != "" {
				passed++
			}
		case "fail":
			if test == "" {
				continue
			}
			failed++
			msg := "test failed"
			if b, ok := testOutput[key]; ok {
				msg = strings.TrimSpace(b.String())
			}
			issues = append(issues, Issue{
				Severity: "error",
				File:     ev.Get("Package").String(),
				Rule:     test,
				Message:  msg,
			})
		}
	}

	if !sawEvent {
		res := GenericParser{}.Parse(output, exitCode)
		res.Summary += " (no go test events)"
		return res
	}
	return ParseResult{
		Passed:  failed == 0 && exitCode == 0,
		Summary: fmt.Sprintf("%d passed, %d failed", passed, failed),
		Issues:  issues,
	}
}

// ESLintParser reads ESLint's JSON formatter output. Only errors fail the
// gate; warnings are reported but tolerated.
type ESLintParser struct{}

func (ESLintParser) Parse(output string, exitCode int) ParseResult {
	payload := jsonPayload(output, '[')
	if payload == "" {
		return ParseResult{
			Passed:  exitCode == 0,
			Summary: fmt.Sprintf("exit code %d (could not parse ESLint JSON)", exitCode),
		}
	}

	var errCount, warnCount, fixable int
	var issues []Issue
	gjson.Parse(payload).ForEach(func(_, file gjson.Result) bool {
		path := file.Get("filePath").String()
		file.Get("messages").ForEach(func(_, m gjson.Result) bool {
			sev := "warning"
			if m.Get("severity").Int() == 2 {
				sev = "error"
				errCount++
			} else {
				warnCount++
			}
			if m.Get("fix").Exists() {
				fixable++
			}
			issues = append(issues, Issue{
				Severity: sev,
				File:     path,
				Line:     int(m.Get("line").Int()),
				Rule:     m.Get("ruleId").String(),
				Message:  m.Get("message").String(),
			})
			return true
		})
		return true
	})

	return ParseResult{
		Passed:  errCount == 0,
		Summary: fmt.Sprintf("%d errors, %d warnings, %d fixable", errCount, warnCount, fixable),
		Issues:  issues,
	}
}

// NPMAuditParser reads `npm audit --json`. Any vulnerability above low
// severity fails the gate.
type NPMAuditParser struct{}

func (NPMAuditParser) Parse(output string, exitCode int) ParseResult {
	payload := jsonPayload(output, '{')
	if payload == "" {
		return ParseResult{
			Passed:  exitCode == 0,
			Summary: fmt.Sprintf("exit code %d (could not parse npm audit JSON)", exitCode),
		}
	}
	doc := gjson.Parse(payload)
	counts := doc.Get("metadata.vulnerabilities")
	critical := counts.Get("critical").Int()
	high := counts.Get("high").Int()
	moderate := counts.Get("moderate").Int()
	low := counts.Get("low").Int()
	total := counts.Get("total").Int()

	var issues []Issue
	doc.Get("vulnerabilities").ForEach(func(name, v gjson.Result) bool {
		sev := v.Get("severity").String()
		if sev == "low" || sev == "info" {
			return true
		}
		title := v.Get("via.0.title").String()
		if title == "" {
			title = "vulnerable dependency"
		}
		issues = append(issues, Issue{
			Severity: sev,
			File:     name.String(),
			Message:  title,
		})
		return true
	})
	sort.Slice(issues, func(i, j int) bool { return issues[i].File < issues[j].File })

	if critical+high+moderate == 0 {
		summary := "no vulnerabilities found"
		if total > 0 {
			summary = fmt.Sprintf("%d low severity vulnerabilities", low)
		}
		return ParseResult{Passed: true, Summary: summary}
	}
	return ParseResult{
		Summary: fmt.Sprintf("%d vulnerabilities (%d critical, %d high, %d moderate, %d low)",
			total, critical, high, moderate, low),
		Issues: issues,
	}
}

// jsonPayload returns the JSON document in output starting at the first
// occurrence of open. Tools often print banners before their report.
func jsonPayload(output string, open byte) string {
	idx := strings.IndexByte(output, open)
	if idx < 0 {
		return ""
	}
	payload := strings.TrimSpace(output[idx:])
	if !gjson.Valid(payload) {
		return ""
	}
	return payload
}
