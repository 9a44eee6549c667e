package oracle

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a debugging assistant for a fleet of ebook
migration workers. Given diagnostics for one stuck worker, answer with a
single JSON object and nothing else:

{
  "root_cause": "<one sentence>",
  "fix_type": "restart" | "config" | "code",
  "confidence": <0.0-1.0>,
  "description": "<what the fix does>",
  "params": {"<name>": "<value>", ...},        // config fixes only
  "patch": {                                    // code fixes only
    "kind": "function" | "replace" | "diff",
    "file": "<path>",
    "function": "<name>",
    "old": "<exact old string>",
    "new": "<replacement>",
    "content": "<function body or unified diff>"
  }
}

Prefer restart unless the diagnostics clearly show a configuration or code
problem. Only propose a code fix when the same root cause has recurred.`

// promptLogLines caps how much log tail goes into the prompt.
const promptLogLines = 100

// BuildPrompt renders the diagnostics for the model. Code snippets are only
// attached when present; the supervisor decides which functions are relevant
// to the observed error pattern.
func BuildPrompt(d Diagnostics) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Worker %d is stuck.\n\n", d.WorkerID)
	fmt.Fprintf(&b, "Error pattern: %s\n", d.ErrorPattern)
	fmt.Fprintf(&b, "Current shard key range: %d - %d\n", d.ShardKeyLow, d.ShardKeyHigh)
	fmt.Fprintf(&b, "Disk utilization of the source device: %.0f%%\n", d.DiskUtilPct)
	if d.Recurrences > 0 {
		fmt.Fprintf(&b, "This root cause recurred %d time(s) before; earlier restarts did not hold.\n", d.Recurrences)
	}

	if tail := lastN(d.LogTail, promptLogLines); len(tail) > 0 {
		b.WriteString("\nRecent log lines:\n```\n")
		for _, line := range tail {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteString("```\n")
	}

	if len(d.CodeSnippets) > 0 {
		b.WriteString("\nRelevant source code:\n")
		for name, src := range d.CodeSnippets {
			fmt.Fprintf(&b, "\n// %s\n```go\n%s\n```\n", name, src)
		}
	}

	b.WriteString("\nAnswer with the JSON object only.")
	return b.String()
}
