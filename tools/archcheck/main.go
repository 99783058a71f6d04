// Command archcheck fails when a vahti package imports a package from a
// higher architectural level.
package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "github.com/yairfalse/vahti/"

type Level int

const (
	LevelCmd Level = iota + 1
	LevelSurface
	LevelEngine
	LevelWorkflow
	LevelExecutor
	LevelDomain
	LevelStorage
	LevelFoundation
	LevelPkg
)

// packageLevels is matched by longest prefix
var packageLevels = map[string]Level{
	"cmd":                  LevelCmd,
	"tools":                LevelCmd,
	"internal/monitor":     LevelSurface,
	"internal/output":      LevelSurface,
	"internal/reconciler":  LevelEngine,
	"internal/approval":    LevelWorkflow,
	"internal/remediation": LevelExecutor,
	"internal/desired":     LevelDomain,
	"internal/differ":      LevelDomain,
	"internal/explain":     LevelDomain,
	"internal/lock":        LevelDomain,
	"internal/notify":      LevelDomain,
	"internal/snapshot":    LevelDomain,
	"internal/storage":     LevelStorage,
	"internal/errors":      LevelFoundation,
	"internal/logger":      LevelFoundation,
	"pkg":                  LevelPkg,
}

type Violation struct {
	FromFile    string
	FromPackage string
	FromLevel   Level
	ToPackage   string
	ToLevel     Level
}

func getPackageLevel(pkgPath string) Level {
	best, level := "", Level(0)
	for prefix, l := range packageLevels {
		if (pkgPath == prefix || strings.HasPrefix(pkgPath, prefix+"/")) && len(prefix) > len(best) {
			best, level = prefix, l
		}
	}
	return level
}

func getPackageFromPath(root, filePath string) string {
	rel, err := filepath.Rel(root, filepath.Dir(filePath))
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

func checkFile(root, filePath string) ([]Violation, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, filePath, content, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}

	fromPackage := getPackageFromPath(root, filePath)
	fromLevel := getPackageLevel(fromPackage)
	if fromLevel == 0 {
		return nil, nil
	}

	var violations []Violation
	for _, imp := range node.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		if !strings.HasPrefix(importPath, modulePath) {
			continue
		}
		importPath = strings.TrimPrefix(importPath, modulePath)

		toLevel := getPackageLevel(importPath)
		if toLevel == 0 {
			continue
		}
		if toLevel < fromLevel {
			violations = append(violations, Violation{
				FromFile:    filePath,
				FromPackage: fromPackage,
				FromLevel:   fromLevel,
				ToPackage:   importPath,
				ToLevel:     toLevel,
			})
		}
	}

	return violations, nil
}

// walkGoFiles skips vendor, hidden and underscore directories, which the go
// tool ignores too
func walkGoFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "vendor" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func levelName(l Level) string {
	switch l {
	case LevelCmd:
		return "CMD (Level 1)"
	case LevelSurface:
		return "SURFACE (Level 2)"
	case LevelEngine:
		return "ENGINE (Level 3)"
	case LevelWorkflow:
		return "WORKFLOW (Level 4)"
	case LevelExecutor:
		return "EXECUTOR (Level 5)"
	case LevelDomain:
		return "DOMAIN (Level 6)"
	case LevelStorage:
		return "STORAGE (Level 7)"
	case LevelFoundation:
		return "FOUNDATION (Level 8)"
	case LevelPkg:
		return "PKG (Level 9)"
	default:
		return "UNKNOWN"
	}
}

// check walks root and writes a report to w. It returns the number of
// violations found.
func check(root string, w io.Writer) (int, error) {
	files, err := walkGoFiles(root)
	if err != nil {
		return 0, fmt.Errorf("walking %s: %w", root, err)
	}

	var all []Violation
	checked := 0
	for _, file := range files {
		violations, err := checkFile(root, file)
		if err != nil {
			fmt.Fprintf(w, "skipping %s: %v\n", file, err)
			continue
		}
		all = append(all, violations...)
		checked++
	}

	fmt.Fprintf(w, "Checked %d Go files\n", checked)
	if len(all) == 0 {
		fmt.Fprintln(w, "No architectural level violations found")
		return 0, nil
	}

	fmt.Fprintf(w, "Found %d architectural level violations:\n", len(all))

	byType := make(map[string][]Violation)
	for _, v := range all {
		key := fmt.Sprintf("%s -> %s", levelName(v.FromLevel), levelName(v.ToLevel))
		byType[key] = append(byType[key], v)
	}
	keys := make([]string, 0, len(byType))
	for k := range byType {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		violations := byType[key]
		fmt.Fprintf(w, "\n%s (%d violations):\n", key, len(violations))
		for i, v := range violations {
			if i >= 5 {
				fmt.Fprintf(w, "   ... and %d more\n", len(violations)-5)
				break
			}
			fmt.Fprintf(w, "   %s imports %s\n", v.FromPackage, v.ToPackage)
		}
	}
	return len(all), nil
}

func main() {
	root := "."
	if len(os.Args) > 1 {
		root = os.Args[1]
	}

	fmt.Println("vahti architecture level checker")
	fmt.Println("Rule: each level may only import from the same level or lower (higher number)")
	fmt.Println()

	n, err := check(root, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if n > 0 {
		os.Exit(1)
	}
}
