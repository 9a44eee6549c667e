package patch

import (
	"fmt"
	"strings"
)

// hunk is one @@-delimited section of a unified diff.
type hunk struct {
	oldStart int // 1-based line in the original
	lines    []string
}

// applyUnifiedDiff applies a unified diff to content. Only the hunk bodies
// are trusted; context lines must match the original at the stated position,
// so a diff generated against a different version is rejected instead of
// corrupting the file.
func applyUnifiedDiff(content, diff string) (string, error) {
	hunks, err := parseHunks(diff)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return "", fmt.Errorf("diff contains no hunks")
	}

	src := strings.Split(content, "\n")
	var out []string
	pos := 0 // 0-based index into src

	for _, h := range hunks {
		if h.oldStart-1 < pos {
			return "", fmt.Errorf("hunks out of order at line %d", h.oldStart)
		}
		if h.oldStart-1 > len(src) {
			return "", fmt.Errorf("hunk start %d beyond end of file", h.oldStart)
		}
		out = append(out, src[pos:h.oldStart-1]...)
		pos = h.oldStart - 1

		for _, line := range h.lines {
			if line == "" {
				// tolerate trailing blank diff lines as context
				line = " "
			}
			op, text := line[0], line[1:]
			switch op {
			case ' ':
				if pos >= len(src) || src[pos] != text {
					return "", fmt.Errorf("context mismatch at line %d: %q", pos+1, text)
				}
				out = append(out, text)
				pos++
			case '-':
				if pos >= len(src) || src[pos] != text {
					return "", fmt.Errorf("removal mismatch at line %d: %q", pos+1, text)
				}
				pos++
			case '+':
				out = append(out, text)
			default:
				return "", fmt.Errorf("malformed diff line %q", line)
			}
		}
	}

	out = append(out, src[pos:]...)
	return strings.Join(out, "\n"), nil
}

func parseHunks(diff string) ([]hunk, error) {
	var hunks []hunk
	var cur *hunk

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			// file headers carry no position information we use
		case strings.HasPrefix(line, "@@"):
			var oldStart, oldCount, newStart, newCount int
			// Both "-l,c" and the single-line "-l" forms appear in practice.
			if _, err := fmt.Sscanf(line, "@@ -%d,%d +%d,%d @@", &oldStart, &oldCount, &newStart, &newCount); err != nil {
				if _, err := fmt.Sscanf(line, "@@ -%d +%d @@", &oldStart, &newStart); err != nil {
					return nil, fmt.Errorf("malformed hunk header %q", line)
				}
			}
			if cur != nil {
				hunks = append(hunks, *cur)
			}
			cur = &hunk{oldStart: oldStart}
		default:
			if cur == nil {
				if strings.TrimSpace(line) == "" {
					continue
				}
				return nil, fmt.Errorf("diff content before first hunk header: %q", line)
			}
			cur.lines = append(cur.lines, line)
		}
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}

	// Drop a trailing empty context line produced by the final newline.
	for i := range hunks {
		lines := hunks[i].lines
		for len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		hunks[i].lines = lines
	}
	return hunks, nil
}
