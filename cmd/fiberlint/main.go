// Command fiberlint is the ahead-of-time, structural counterpart to the
// runtime's verifyInstrumentation check (SPEC_FULL.md §4.8). It loads a
// set of packages, finds every fiber target passed to fiber.New (or a
// function declaration tagged //fiber:entrypoint), walks the static call graph
// reachable from each one within the loaded package set, and reports any
// function that is neither marked //fiber:instrumented nor present in the
// waiver list cmd/fiberlint shares with the runtime's default oracle
// (internal/waiver).
//
// Calls into packages outside the loaded set (the standard library, or
// third-party dependencies not passed as load patterns) are treated as
// leaves: fiberlint has no source to check their instrumentation against,
// so it does not report them. Widening that scope means loading more
// patterns, not a change to this tool.
package main

import (
	"fmt"
	"go/ast"
	"go/types"
	"os"
	"strings"

	"golang.org/x/tools/go/packages"

	"github.com/fibersched/fiber/internal/waiver"
)

const instrumentedMarker = "//fiber:instrumented"
const entrypointMarker = "//fiber:entrypoint"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fiberlint:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var waiverPath string
	var patterns []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-waiver" && i+1 < len(args) {
			waiverPath = args[i+1]
			i++
			continue
		}
		patterns = append(patterns, args[i])
	}
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	var waived *waiver.List
	if waiverPath != "" {
		l, err := waiver.Load(waiverPath)
		if err != nil {
			return fmt.Errorf("loading waiver list: %w", err)
		}
		waived = l
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
			packages.NeedTypes | packages.NeedTypesInfo | packages.NeedImports | packages.NeedDeps,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return fmt.Errorf("loading packages: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("encountered errors loading %v", patterns)
	}

	idx := newIndex(pkgs)
	roots := idx.findRoots()

	visited := map[*ast.FuncDecl]bool{}
	var flagged []string
	var walk func(decl *ast.FuncDecl)
	walk = func(decl *ast.FuncDecl) {
		if decl == nil || visited[decl] {
			return
		}
		visited[decl] = true

		pkgPath, fnName := idx.identity(decl)
		if !hasMarker(decl.Doc, instrumentedMarker) && !waived.Contains(pkgPath, fnName) {
			flagged = append(flagged, pkgPath+"."+fnName)
		}

		ast.Inspect(decl.Body, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			if callee := idx.resolveCall(call); callee != nil {
				walk(callee)
			}
			return true
		})
	}

	for _, root := range roots {
		walk(root)
	}

	for _, name := range flagged {
		fmt.Println(name)
	}
	return nil
}

// hasMarker reports whether any line of a doc comment group is exactly
// marker (after trimming), the same convention MarkInstrumented's manual
// callers are expected to mirror textually for fiberlint's benefit.
func hasMarker(doc *ast.CommentGroup, marker string) bool {
	if doc == nil {
		return false
	}
	for _, c := range doc.List {
		if strings.TrimSpace(c.Text) == marker {
			return true
		}
	}
	return false
}

// index resolves *ast.CallExpr targets to the *ast.FuncDecl they call,
// within the set of packages passed to packages.Load, and finds the root
// set of fiber targets to start the walk from.
type index struct {
	pkgs    []*packages.Package
	byIdent map[*types.Func]*ast.FuncDecl
	pkgOf   map[*ast.FuncDecl]*packages.Package
}

func newIndex(pkgs []*packages.Package) *index {
	idx := &index{
		pkgs:    pkgs,
		byIdent: map[*types.Func]*ast.FuncDecl{},
		pkgOf:   map[*ast.FuncDecl]*packages.Package{},
	}
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			for _, decl := range file.Decls {
				fd, ok := decl.(*ast.FuncDecl)
				if !ok || fd.Recv != nil {
					continue
				}
				obj, ok := pkg.TypesInfo.Defs[fd.Name]
				if !ok || obj == nil {
					continue
				}
				fn, ok := obj.(*types.Func)
				if !ok {
					continue
				}
				idx.byIdent[fn] = fd
				idx.pkgOf[fd] = pkg
			}
		}
	}
	return idx
}

func (idx *index) identity(decl *ast.FuncDecl) (pkgPath, fnName string) {
	pkg := idx.pkgOf[decl]
	if pkg == nil {
		return "", decl.Name.Name
	}
	return pkg.PkgPath, decl.Name.Name
}

// resolveCall maps a call expression to the *ast.FuncDecl it invokes,
// when that function is part of the loaded package set and the call is a
// direct reference to a named function (not a method, not a value stored
// in an interface or closure variable — those require points-to analysis
// this tool deliberately doesn't attempt).
func (idx *index) resolveCall(call *ast.CallExpr) *ast.FuncDecl {
	var ident *ast.Ident
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		ident = fn
	case *ast.SelectorExpr:
		ident = fn.Sel
	default:
		return nil
	}

	for _, pkg := range idx.pkgs {
		obj := pkg.TypesInfo.Uses[ident]
		if obj == nil {
			continue
		}
		if fn, ok := obj.(*types.Func); ok {
			if decl, ok := idx.byIdent[fn]; ok {
				return decl
			}
		}
	}
	return nil
}

// findRoots collects every fiber target: functions passed as the third
// argument to a call whose callee is a selector named New (heuristic:
// matched on the selector name only, without checking which package New
// belongs to, since resolving a generic instantiation's type
// parameters through go/types requires more machinery than this tool
// needs for a structural, best-effort audit), plus any declaration
// explicitly marked //fiber:entrypoint for callers that don't go through
// fiber.New directly (e.g. a target registered once and reused).
func (idx *index) findRoots() []*ast.FuncDecl {
	var roots []*ast.FuncDecl
	seen := map[*ast.FuncDecl]bool{}
	add := func(d *ast.FuncDecl) {
		if d != nil && !seen[d] {
			seen[d] = true
			roots = append(roots, d)
		}
	}

	for _, pkg := range idx.pkgs {
		for _, file := range pkg.Syntax {
			ast.Inspect(file, func(n ast.Node) bool {
				if fd, ok := n.(*ast.FuncDecl); ok && hasMarker(fd.Doc, entrypointMarker) {
					add(fd)
				}
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				sel, ok := call.Fun.(*ast.SelectorExpr)
				if !ok || sel.Sel.Name != "New" || len(call.Args) < 3 {
					// New may also be called unqualified via a dot import;
					// that pattern is rare enough in this ecosystem that it
					// is out of scope for the heuristic.
					return true
				}
				target := call.Args[2]
				switch t := target.(type) {
				case *ast.Ident:
					add(idx.resolveIdentFunc(pkg, t))
				case *ast.FuncLit:
					// Closures are reported under their enclosing
					// declaration's identity by funcIdentity at runtime;
					// fiberlint can't walk into a literal without a
					// *ast.FuncDecl, so it is out of scope here too.
				}
				return true
			})
		}
	}
	return roots
}

func (idx *index) resolveIdentFunc(pkg *packages.Package, ident *ast.Ident) *ast.FuncDecl {
	obj := pkg.TypesInfo.Uses[ident]
	if obj == nil {
		return nil
	}
	fn, ok := obj.(*types.Func)
	if !ok {
		return nil
	}
	return idx.byIdent[fn]
}
