package internal

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const modulePath = "github.com/Iron-Ham/armada"

// TestImportLayering keeps the CLI at the top of the dependency graph: only
// the command tree may import internal/cmd, and testutil is for tests only.
//
// If this test fails, move the shared code into a package under internal/
// that both sides can import.
func TestImportLayering(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}

	projectRoot := filepath.Dir(wd)
	if filepath.Base(wd) != "internal" {
		projectRoot = wd
	}

	var violations []string
	fset := token.NewFileSet()

	for _, dir := range []string{"internal", "cmd"} {
		root := filepath.Join(projectRoot, dir)
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") {
				return nil
			}

			rel, _ := filepath.Rel(projectRoot, path)
			rel = filepath.ToSlash(rel)
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return err
			}

			isTest := strings.HasSuffix(path, "_test.go")
			inCmd := strings.HasPrefix(rel, "cmd/") || strings.HasPrefix(rel, "internal/cmd/")
			for _, imp := range f.Imports {
				p, _ := strconv.Unquote(imp.Path.Value)
				switch {
				case strings.HasPrefix(p, modulePath+"/internal/cmd") && !inCmd:
					violations = append(violations, rel+" imports "+p)
				case p == modulePath+"/internal/testutil" && !isTest:
					violations = append(violations, rel+" imports testutil outside a test")
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to walk directory %s: %v", root, err)
		}
	}

	for _, v := range violations {
		t.Errorf("layering violation: %s", v)
	}
}
