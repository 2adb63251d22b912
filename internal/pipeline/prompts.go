package pipeline

import (
	"fmt"
	"strings"

	"ojforge/internal/model"
	"ojforge/internal/workspace"
)

// Prompt templates for the generation and solve stages. The generator
// contract is file-based: the script writes 1.in .. N.in into its
// working directory, which is how the executor collects the cases.

const generatorSystem = `You are a test data engineer for competitive programming judges.
You write small, deterministic Python 3 scripts that produce input files for a given problem.
Reply with exactly one fenced python code block and nothing else.`

const solverSystem = `You are a competitive programmer writing a correct reference solution.
Prefer straightforward, obviously correct code over clever optimizations, but respect the stated limits.
Reply with exactly one fenced code block and nothing else.`

const answerSystem = `You compute the exact expected output of a programming problem for one given input.
Reply with the raw output only: no explanation, no formatting, no code fences.`

const ocrPrompt = `Transcribe all text, formulas and tables visible in the attached statement images.
Use plain text; write formulas in ASCII math. Reply with the transcription only.`

func generatorPrompt(st *model.Statement, n int, figureText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a Python 3 script that generates %d test input files for the problem below.\n\n", n)
	b.WriteString("Requirements:\n")
	fmt.Fprintf(&b, "- Write exactly %d files named 1.in through %d.in into the current working directory.\n", n, n)
	b.WriteString("- Use only the Python standard library; seed any randomness with a fixed constant.\n")
	b.WriteString("- Every input must strictly satisfy the stated constraints and input format.\n")
	b.WriteString("- Start with the smallest edge cases (case 1), then grow towards the maximum bounds.\n")
	b.WriteString("- The script must finish within a minute and print nothing.\n\n")
	b.WriteString(statementDigest(st, figureText))
	return b.String()
}

func solutionPrompt(st *model.Statement, lang, figureText string) string {
	var b strings.Builder
	langName := "C++17"
	if lang == workspace.LangPython {
		langName = "Python 3"
	}
	fmt.Fprintf(&b, "Write a complete %s solution for the problem below. ", langName)
	b.WriteString("Read from standard input and write to standard output.\n\n")
	b.WriteString(statementDigest(st, figureText))
	return b.String()
}

func answerPrompt(st *model.Statement, input string) string {
	var b strings.Builder
	b.WriteString("Determine the exact expected output for the input at the end.\n\n")
	b.WriteString(statementDigest(st, ""))
	b.WriteString("\nInput:\n")
	b.WriteString(input)
	if !strings.HasSuffix(input, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

// statementDigest renders the statement into prompt text. Samples are
// capped; a huge statement should not blow the context window.
func statementDigest(st *model.Statement, figureText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", st.Title)
	if st.Limits.TimeMS > 0 || st.Limits.MemoryMB > 0 {
		fmt.Fprintf(&b, "Limits: %d ms, %d MB\n", st.Limits.TimeMS, st.Limits.MemoryMB)
	}
	b.WriteString("\nStatement:\n")
	b.WriteString(strings.TrimSpace(st.Body))
	b.WriteByte('\n')
	if st.InputFormat != "" {
		b.WriteString("\nInput format:\n" + strings.TrimSpace(st.InputFormat) + "\n")
	}
	if st.OutputFormat != "" {
		b.WriteString("\nOutput format:\n" + strings.TrimSpace(st.OutputFormat) + "\n")
	}
	for i, s := range st.Samples {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "\nSample input %d:\n%s\nSample output %d:\n%s\n", i+1, s.In, i+1, s.Out)
	}
	if st.Notes != "" {
		b.WriteString("\nNotes:\n" + strings.TrimSpace(st.Notes) + "\n")
	}
	if figureText != "" {
		b.WriteString("\nText transcribed from statement figures:\n" + strings.TrimSpace(figureText) + "\n")
	}
	return b.String()
}

// extractCode pulls the payload out of a model reply: the first fenced
// block tagged for lang, else the first fenced block, else the raw reply
// when it plausibly is bare code. Returns "" when nothing usable exists.
func extractCode(text, lang string) string {
	rest := text
	fallback := ""
	for {
		i := strings.Index(rest, "```")
		if i < 0 {
			break
		}
		rest = rest[i+3:]
		j := strings.Index(rest, "```")
		if j < 0 {
			break
		}
		block := rest[:j]
		rest = rest[j+3:]

		info := ""
		body := block
		if nl := strings.IndexByte(block, '\n'); nl >= 0 {
			info = strings.TrimSpace(block[:nl])
			body = block[nl+1:]
		}
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		if matchesLang(info, lang) {
			return body
		}
		if fallback == "" {
			fallback = body
		}
	}
	if fallback != "" {
		return fallback
	}
	trimmed := strings.TrimSpace(text)
	if looksLikeCode(trimmed, lang) {
		return trimmed
	}
	return ""
}

func matchesLang(info, lang string) bool {
	info = strings.ToLower(info)
	switch lang {
	case workspace.LangPython:
		return info == "python" || info == "python3" || info == "py"
	case workspace.LangCpp:
		return info == "cpp" || info == "c++" || info == "cc" || info == "cxx"
	}
	return false
}

func looksLikeCode(s, lang string) bool {
	switch lang {
	case workspace.LangPython:
		return strings.Contains(s, "import ") || strings.Contains(s, "def ") ||
			strings.Contains(s, "print(")
	case workspace.LangCpp:
		return strings.Contains(s, "#include")
	}
	return false
}
