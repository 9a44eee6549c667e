package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSource = `package sample

import "fmt"

// Greet says hello.
func Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

func Farewell(name string) string {
	return fmt.Sprintf("bye %s", name)
}
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.go")
	require.NoError(t, os.WriteFile(path, []byte(sampleSource), 0o644))
	return path
}

func TestApply_FunctionReplacement(t *testing.T) {
	path := writeSample(t)
	res, err := Apply(Patch{
		Kind:     KindFunction,
		File:     path,
		Function: "Greet",
		Content: `// Greet says hello loudly.
func Greet(name string) string {
	return fmt.Sprintf("HELLO %s!", name)
}`,
	})
	require.NoError(t, err)

	patched, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(patched), "HELLO %s!")
	assert.NotContains(t, string(patched), "hello %s")
	assert.Contains(t, string(patched), "Farewell", "other functions untouched")

	backup, err := os.ReadFile(res.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, sampleSource, string(backup))
}

func TestApply_StringReplacement(t *testing.T) {
	path := writeSample(t)
	_, err := Apply(Patch{
		Kind: KindReplace,
		File: path,
		Old:  `"bye %s"`,
		New:  `"goodbye %s"`,
	})
	require.NoError(t, err)

	patched, _ := os.ReadFile(path)
	assert.Contains(t, string(patched), "goodbye %s")
}

func TestApply_ReplaceMissingOldString(t *testing.T) {
	path := writeSample(t)
	_, err := Apply(Patch{Kind: KindReplace, File: path, Old: "never there", New: "x"})
	require.Error(t, err)

	content, _ := os.ReadFile(path)
	assert.Equal(t, sampleSource, string(content), "file untouched")
}

func TestApply_AmbiguousOldStringRejected(t *testing.T) {
	path := writeSample(t)
	_, err := Apply(Patch{Kind: KindReplace, File: path, Old: "name string", New: "n string"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestApply_InvalidResultRestoresBackup(t *testing.T) {
	path := writeSample(t)
	_, err := Apply(Patch{
		Kind:     KindFunction,
		File:     path,
		Function: "Greet",
		Content:  "func Greet(name string) string { this is not go",
	})
	require.Error(t, err)

	content, rerr := os.ReadFile(path)
	require.NoError(t, rerr)
	assert.Equal(t, sampleSource, string(content), "original restored after failed validation")
}

func TestApply_UnifiedDiff(t *testing.T) {
	path := writeSample(t)
	diff := `--- a/sample.go
+++ b/sample.go
@@ -10,3 +10,3 @@
 func Farewell(name string) string {
-	return fmt.Sprintf("bye %s", name)
+	return fmt.Sprintf("farewell %s", name)
 }`

	_, err := Apply(Patch{Kind: KindDiff, File: path, Content: diff})
	require.NoError(t, err)

	patched, _ := os.ReadFile(path)
	assert.Contains(t, string(patched), "farewell %s")
	assert.NotContains(t, string(patched), "bye %s")
}

func TestApply_DiffContextMismatchRejected(t *testing.T) {
	path := writeSample(t)
	diff := `@@ -10,2 +10,2 @@
 func SomethingElse() {
-	gone
+	added`

	_, err := Apply(Patch{Kind: KindDiff, File: path, Content: diff})
	require.Error(t, err)

	content, _ := os.ReadFile(path)
	assert.Equal(t, sampleSource, string(content))
}

func TestApply_UnknownFunction(t *testing.T) {
	path := writeSample(t)
	_, err := Apply(Patch{Kind: KindFunction, File: path, Function: "Missing", Content: "func Missing() {}"})
	require.Error(t, err)
}

func TestExtractFunction(t *testing.T) {
	path := writeSample(t)

	src, err := ExtractFunction(path, "Greet")
	require.NoError(t, err)
	assert.Contains(t, src, "// Greet says hello.")
	assert.Contains(t, src, `return fmt.Sprintf("hello %s", name)`)
	assert.NotContains(t, src, "Farewell")

	_, err = ExtractFunction(path, "Nope")
	assert.Error(t, err)
}

func TestPatch_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    Patch
		ok   bool
	}{
		{"no file", Patch{Kind: KindReplace, Old: "a"}, false},
		{"function without name", Patch{Kind: KindFunction, File: "f.go", Content: "x"}, false},
		{"replace without old", Patch{Kind: KindReplace, File: "f.go"}, false},
		{"unknown kind", Patch{Kind: "weird", File: "f.go"}, false},
		{"valid replace", Patch{Kind: KindReplace, File: "f.go", Old: "a", New: "b"}, true},
		{"valid diff", Patch{Kind: KindDiff, File: "f.go", Content: "@@ -1 +1 @@"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseHunks_SingleLineForm(t *testing.T) {
	hunks, err := parseHunks("@@ -3 +3 @@\n-old line\n+new line")
	require.NoError(t, err)
	require.Len(t, hunks, 1)
	assert.Equal(t, 3, hunks[0].oldStart)
	assert.Len(t, hunks[0].lines, 2)
}
