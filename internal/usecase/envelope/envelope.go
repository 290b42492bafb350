// Package envelope reads and writes the task-run input envelope:
//
//	<context>
//
//	This is your input for this task:
//	<input>
//
//	This is the output from blocking tasks:
//	<accumulated outputs>
//
//	${blocking_task_output}
//
// Sections are separated by a blank line and appear only when they carry
// data. The trailing placeholder is present while at least one blocking run
// has not completed. A blocking output that itself contains the placeholder
// is stored with the token escaped as $\{blocking_task_output}.
package envelope

import "strings"

const (
	// Placeholder marks an input that still waits on blocking output.
	Placeholder = "${blocking_task_output}"

	escapedPlaceholder = `$\{blocking_task_output}`

	inputHeader  = "This is your input for this task:\n"
	outputHeader = "This is the output from blocking tasks:\n"
	sep          = "\n\n"
)

// Envelope is the parsed form of a task-run input.
type Envelope struct {
	Context string
	Input   string
	Outputs string // blocking outputs joined by a blank line, in completion order
	Pending bool
}

// Serialize renders e in the envelope grammar.
func Serialize(e Envelope) string {
	parts := make([]string, 0, 4)
	if e.Context != "" {
		parts = append(parts, e.Context)
	}
	if e.Input != "" {
		parts = append(parts, inputHeader+e.Input)
	}
	if e.Outputs != "" {
		parts = append(parts, outputHeader+e.Outputs)
	}
	if e.Pending {
		parts = append(parts, Placeholder)
	}
	return strings.Join(parts, sep)
}

// Parse splits s into its sections. Text before the first section header is
// the context.
func Parse(s string) Envelope {
	var e Envelope
	if s == Placeholder {
		return Envelope{Pending: true}
	}
	if rest, ok := strings.CutSuffix(s, sep+Placeholder); ok {
		e.Pending = true
		s = rest
	}

	head, outputs, hasOutputs := cutSection(s, outputHeader)
	if hasOutputs {
		e.Outputs = outputs
	}
	context, input, hasInput := cutSection(head, inputHeader)
	if hasInput {
		e.Input = input
	}
	e.Context = context
	return e
}

// cutSection splits s around the first header that starts s or follows a
// blank line.
func cutSection(s, header string) (before, after string, found bool) {
	if rest, ok := strings.CutPrefix(s, header); ok {
		return "", rest, true
	}
	if i := strings.Index(s, sep+header); i >= 0 {
		return s[:i], s[i+len(sep)+len(header):], true
	}
	return s, "", false
}

// HasPlaceholder reports whether s still waits on blocking output.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, Placeholder)
}

// MarkPending adds the placeholder to s if it is not already present.
func MarkPending(s string) string {
	if HasPlaceholder(s) {
		return s
	}
	e, ok := parseExact(s)
	if !ok {
		return joinNonEmpty(s, Placeholder)
	}
	e.Pending = true
	return Serialize(e)
}

// ClearPending drops the placeholder from s, used when the last pending
// blocker edge is removed without producing output.
func ClearPending(s string) string {
	if !HasPlaceholder(s) {
		return s
	}
	e, ok := parseExact(s)
	if !ok {
		return strings.TrimSuffix(strings.Replace(s, Placeholder, "", 1), sep)
	}
	e.Pending = false
	return Serialize(e)
}

// AppendOutput merges a blocking run's output into s. The placeholder is kept
// when morePending is set and removed otherwise.
func AppendOutput(s, output string, morePending bool) string {
	output = strings.ReplaceAll(output, Placeholder, escapedPlaceholder)
	e, ok := parseExact(s)
	if !ok {
		// Free-form input: substitute the token in place.
		repl := output
		if morePending {
			repl = output + sep + Placeholder
		}
		if HasPlaceholder(s) {
			return strings.Replace(s, Placeholder, repl, 1)
		}
		return joinNonEmpty(s, repl)
	}
	if output != "" {
		e.Outputs = joinNonEmpty(e.Outputs, output)
	}
	e.Pending = morePending
	return Serialize(e)
}

// parseExact parses s and reports whether s is in canonical form with the
// placeholder only in trailing position, so rewriting it cannot drop text.
func parseExact(s string) (Envelope, bool) {
	e := Parse(s)
	if HasPlaceholder(e.Context) || HasPlaceholder(e.Input) || HasPlaceholder(e.Outputs) {
		return e, false
	}
	return e, Serialize(e) == s
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + sep + b
}
