package codeexec

import (
	"context"
	"regexp"
	"strings"
)

// Compiler turns source in a given language into an executable
// artifact. Implementations typically shell out to an external
// toolchain; they must return ErrCompilerUnavailable when the
// toolchain cannot be reached so the executor can fall back.
type Compiler interface {
	Compile(ctx context.Context, source []byte, language string) ([]byte, error)
}

// languages whose type annotations can be stripped to yield runnable
// code when no compiler is available.
func stripSupported(language string) bool {
	switch strings.ToLower(language) {
	case "typescript", "ts":
		return true
	default:
		return false
	}
}

var (
	interfacePattern = regexp.MustCompile(`(?ms)^\s*(?:export\s+)?interface\s+\w+(?:\s+extends\s+[\w,\s]+)?\s*\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}\s*$`)
	typeAliasPattern = regexp.MustCompile(`(?m)^\s*(?:export\s+)?type\s+\w+(?:<[^=]*>)?\s*=[^;]+;\s*$`)
	importTypeRe     = regexp.MustCompile(`(?m)^\s*import\s+type\s+[^;]+;\s*$`)
	returnTypeRe     = regexp.MustCompile(`\)\s*:\s*[\w\[\]<>,.|&\s]+?\s*(\{|=>|;)`)
	paramTypeRe      = regexp.MustCompile(`(\(|,)(\s*\w+\??)\s*:\s*[\w\[\]<>,.|&\s]+?([,)=])`)
	varTypeRe        = regexp.MustCompile(`\b(const|let|var)\s+(\w+)\s*:\s*[\w\[\]<>,.|&\s]+?(\s*[=;])`)
	asCastRe         = regexp.MustCompile(`\s+as\s+[\w\[\]<>,.|&]+`)
)

// stripTypes removes TypeScript-only syntax so the source runs as
// plain JavaScript. This is a lossy last-resort path; generics and
// advanced syntax beyond annotations are not handled.
func stripTypes(source []byte) []byte {
	text := string(source)
	text = interfacePattern.ReplaceAllString(text, "")
	text = typeAliasPattern.ReplaceAllString(text, "")
	text = importTypeRe.ReplaceAllString(text, "")
	text = returnTypeRe.ReplaceAllString(text, ")$1")
	// The delimiter capture consumes the comma that starts the next
	// parameter, so adjacent annotations need repeated passes.
	for {
		next := paramTypeRe.ReplaceAllString(text, "$1$2$3")
		if next == text {
			break
		}
		text = next
	}
	text = varTypeRe.ReplaceAllString(text, "$1 $2$3")
	text = asCastRe.ReplaceAllString(text, "")
	return []byte(text)
}
