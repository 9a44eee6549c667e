// Package patch applies structured source patches on behalf of the
// supervisor's code fixes. Every application snapshots the target file
// first, validates the result syntactically, and rolls back on any failure,
// so a bad patch can never leave a worker unbuildable.
package patch

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"strings"
	"time"
)

// Kind selects the patch representation.
type Kind string

const (
	// KindFunction replaces one whole top-level function.
	KindFunction Kind = "function"

	// KindReplace substitutes an exact old string with a new one.
	KindReplace Kind = "replace"

	// KindDiff applies a unified diff.
	KindDiff Kind = "diff"
)

// Patch is one structured source change.
type Patch struct {
	Kind Kind   `json:"kind"`
	File string `json:"file"`

	// Function is the target function name for KindFunction.
	Function string `json:"function,omitempty"`

	// Old and New are the exact strings for KindReplace.
	Old string `json:"old,omitempty"`
	New string `json:"new,omitempty"`

	// Content is the full replacement function for KindFunction, or the
	// unified diff body for KindDiff.
	Content string `json:"content,omitempty"`
}

// Validate checks structural completeness before any file is touched.
func (p *Patch) Validate() error {
	if p.File == "" {
		return fmt.Errorf("patch has no target file")
	}
	switch p.Kind {
	case KindFunction:
		if p.Function == "" || p.Content == "" {
			return fmt.Errorf("function patch needs function name and content")
		}
	case KindReplace:
		if p.Old == "" {
			return fmt.Errorf("replace patch needs a non-empty old string")
		}
	case KindDiff:
		if p.Content == "" {
			return fmt.Errorf("diff patch needs diff content")
		}
	default:
		return fmt.Errorf("unknown patch kind %q", p.Kind)
	}
	return nil
}

// Result describes a successful application.
type Result struct {
	// BackupPath is the pre-patch snapshot of the file.
	BackupPath string
}

// Apply validates, snapshots, patches and syntax-checks the target file.
// On any failure after the snapshot, the original content is restored.
func Apply(p Patch) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	original, err := os.ReadFile(p.File)
	if err != nil {
		return nil, fmt.Errorf("read target: %w", err)
	}

	patched, err := transform(p, string(original))
	if err != nil {
		return nil, err
	}

	backup := fmt.Sprintf("%s.bak.%d", p.File, time.Now().Unix())
	if err := os.WriteFile(backup, original, 0o644); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}

	if err := os.WriteFile(p.File, []byte(patched), 0o644); err != nil {
		return nil, fmt.Errorf("write patched file: %w", err)
	}

	if err := checkSyntax(p.File, patched); err != nil {
		if restoreErr := os.WriteFile(p.File, original, 0o644); restoreErr != nil {
			return nil, fmt.Errorf("patch invalid (%v) and restore failed: %w", err, restoreErr)
		}
		return nil, fmt.Errorf("patched file does not parse, restored backup: %w", err)
	}

	return &Result{BackupPath: backup}, nil
}

func transform(p Patch, content string) (string, error) {
	switch p.Kind {
	case KindFunction:
		return replaceFunction(content, p.Function, p.Content)
	case KindReplace:
		if !strings.Contains(content, p.Old) {
			return "", fmt.Errorf("old string not found in %s", p.File)
		}
		if strings.Count(content, p.Old) > 1 {
			return "", fmt.Errorf("old string is ambiguous in %s", p.File)
		}
		return strings.Replace(content, p.Old, p.New, 1), nil
	case KindDiff:
		return applyUnifiedDiff(content, p.Content)
	default:
		return "", fmt.Errorf("unknown patch kind %q", p.Kind)
	}
}

// replaceFunction swaps the source text of one top-level function, located
// through the AST so formatting quirks cannot confuse it. The doc comment,
// when present, is replaced along with the body.
func replaceFunction(content, name, replacement string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "target.go", content, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("target does not parse before patching: %w", err)
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Name.Name != name {
			continue
		}
		start := fset.Position(fn.Pos()).Offset
		if fn.Doc != nil {
			start = fset.Position(fn.Doc.Pos()).Offset
		}
		end := fset.Position(fn.End()).Offset
		return content[:start] + strings.TrimRight(replacement, "\n") + "\n" + content[end:], nil
	}
	return "", fmt.Errorf("function %s not found", name)
}

// ExtractFunction returns the source text of one top-level function or
// method, doc comment included. The supervisor attaches such snippets to
// oracle diagnostics when a failure points at a specific code path.
func ExtractFunction(path, name string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Name.Name != name {
			continue
		}
		start := fset.Position(fn.Pos()).Offset
		if fn.Doc != nil {
			start = fset.Position(fn.Doc.Pos()).Offset
		}
		end := fset.Position(fn.End()).Offset
		return string(content[start:end]), nil
	}
	return "", fmt.Errorf("function %s not found in %s", name, path)
}

// checkSyntax is the commit gate for code fixes: the patched file must
// still be parseable Go.
func checkSyntax(filename, content string) error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, filename, content, parser.AllErrors)
	return err
}
