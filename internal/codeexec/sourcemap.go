package codeexec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// sourceMap is a parsed source map v3 document with decoded mappings.
type sourceMap struct {
	sources  []string
	segments map[int][]segment // generated line (0-based) -> segments
}

type segment struct {
	genColumn  int
	sourceIdx  int
	sourceLine int // 0-based
	sourceCol  int
}

type sourceMapDoc struct {
	Version  int      `json:"version"`
	Sources  []string `json:"sources"`
	Mappings string   `json:"mappings"`
}

// parseSourceMap decodes a source map v3 document. Returns nil when
// the document is unusable; remapping is best-effort.
func parseSourceMap(raw []byte) *sourceMap {
	var doc sourceMapDoc
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Mappings == "" {
		return nil
	}

	sm := &sourceMap{
		sources:  doc.Sources,
		segments: make(map[int][]segment),
	}

	var sourceIdx, sourceLine, sourceCol int
	for lineIdx, line := range strings.Split(doc.Mappings, ";") {
		genColumn := 0
		for _, seg := range strings.Split(line, ",") {
			if seg == "" {
				continue
			}
			fields, ok := decodeVLQ(seg)
			if !ok || len(fields) == 0 {
				continue
			}
			genColumn += fields[0]
			if len(fields) >= 4 {
				sourceIdx += fields[1]
				sourceLine += fields[2]
				sourceCol += fields[3]
				sm.segments[lineIdx] = append(sm.segments[lineIdx], segment{
					genColumn:  genColumn,
					sourceIdx:  sourceIdx,
					sourceLine: sourceLine,
					sourceCol:  sourceCol,
				})
			}
		}
	}
	return sm
}

const vlqChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func decodeVLQ(seg string) ([]int, bool) {
	var out []int
	value, shift := 0, 0
	for _, ch := range seg {
		digit := strings.IndexRune(vlqChars, ch)
		if digit < 0 {
			return nil, false
		}
		value += (digit & 31) << shift
		if digit&32 != 0 {
			shift += 5
			continue
		}
		if value&1 != 0 {
			out = append(out, -(value >> 1))
		} else {
			out = append(out, value>>1)
		}
		value, shift = 0, 0
	}
	return out, shift == 0
}

// resolve maps a 1-based generated position to the original source.
func (sm *sourceMap) resolve(line, column int) (string, int, int, bool) {
	segs := sm.segments[line-1]
	if len(segs) == 0 {
		return "", 0, 0, false
	}
	best := segs[0]
	for _, seg := range segs {
		if seg.genColumn <= column-1 {
			best = seg
		} else {
			break
		}
	}
	if best.sourceIdx < 0 || best.sourceIdx >= len(sm.sources) {
		return "", 0, 0, false
	}
	return sm.sources[best.sourceIdx], best.sourceLine + 1, best.sourceCol + 1, true
}

var stackFramePattern = regexp.MustCompile(`(\()?([^\s():]+):(\d+):(\d+)(\))?`)

// remapStack rewrites file:line:column references in a stack trace to
// original source positions. Frames that cannot be resolved are kept
// as-is.
func remapStack(stack string, rawMap []byte) string {
	sm := parseSourceMap(rawMap)
	if sm == nil {
		return ""
	}

	lines := strings.Split(stack, "\n")
	for i, frame := range lines {
		lines[i] = stackFramePattern.ReplaceAllStringFunc(frame, func(match string) string {
			parts := stackFramePattern.FindStringSubmatch(match)
			line, err1 := strconv.Atoi(parts[3])
			column, err2 := strconv.Atoi(parts[4])
			if err1 != nil || err2 != nil {
				return match
			}
			source, srcLine, srcCol, ok := sm.resolve(line, column)
			if !ok {
				return match
			}
			return fmt.Sprintf("%s%s:%d:%d%s", parts[1], source, srcLine, srcCol, parts[5])
		})
	}
	return strings.Join(lines, "\n")
}
