package guardrail

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"capforge/internal/config"
	"capforge/internal/logging"
)

// =============================================================================
// GUARDRAIL VALIDATION
// =============================================================================
// Every generated program passes through here before it is allowed anywhere
// near an interpreter. Validation is purely static: parse the source, walk
// the AST, and flag anything outside the permitted surface. A failed check
// produces structured feedback the provider can act on during recovery.

// EntrypointName is the function every generated program must define.
const EntrypointName = "Run"

// HostImportPath is the only non-stdlib import generated programs may use.
const HostImportPath = "capforge/hostapi"

// Checker validates generated program source against the allowed surface.
type Checker struct {
	allowedImports   map[string]bool
	terminalPatterns []string
}

// Report contains the results of a guardrail check.
type Report struct {
	Valid          bool        `json:"valid"`
	Violations     []Violation `json:"violations,omitempty"`
	ImportsChecked int         `json:"imports_checked"`
	CallsChecked   int         `json:"calls_checked"`
}

// Violation describes a single guardrail issue.
type Violation struct {
	Type               ViolationType `json:"violation_type"`
	Location           string        `json:"location"`
	Message            string        `json:"message"`
	RequiredCorrection string        `json:"required_correction"`
	Terminal           bool          `json:"terminal"`
}

// ViolationType categorizes violations.
type ViolationType int

const (
	ViolationParseError ViolationType = iota
	ViolationForbiddenImport
	ViolationDangerousCall
	ViolationPanic
	ViolationCGO
	ViolationMissingEntrypoint
	ViolationBadSignature
	ViolationDeclaredInability
)

func (v ViolationType) String() string {
	switch v {
	case ViolationParseError:
		return "parse_error"
	case ViolationForbiddenImport:
		return "forbidden_import"
	case ViolationDangerousCall:
		return "dangerous_call"
	case ViolationPanic:
		return "panic"
	case ViolationCGO:
		return "cgo"
	case ViolationMissingEntrypoint:
		return "missing_entrypoint"
	case ViolationBadSignature:
		return "bad_signature"
	case ViolationDeclaredInability:
		return "declared_inability"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the type as its string name so feedback stays readable.
func (v ViolationType) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", v.String())), nil
}

// defaultAllowedImports is the stdlib surface generated programs may touch.
// Anything doing filesystem, network, process, or unsafe work is absent on
// purpose; those effects go through the host API or not at all.
var defaultAllowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"errors":          true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"unicode":         true,
	"unicode/utf8":    true,
	HostImportPath:    true,
}

// dangerousCalls maps receiver.method pairs that are never allowed, even if
// the import snuck past (yaegi binds more than the allowlist admits).
var dangerousCalls = map[string]string{
	"os.Exit":      "return an error instead of exiting the process",
	"os.Remove":    "programs must not touch the filesystem",
	"os.RemoveAll": "programs must not touch the filesystem",
	"log.Fatal":    "return an error instead of exiting the process",
	"log.Fatalf":   "return an error instead of exiting the process",
}

// NewChecker creates a checker from guardrail configuration. Extra imports
// from config extend the built-in allowlist.
func NewChecker(cfg config.GuardrailConfig) *Checker {
	allowed := make(map[string]bool, len(defaultAllowedImports)+len(cfg.ExtraImports))
	for k := range defaultAllowedImports {
		allowed[k] = true
	}
	for _, imp := range cfg.ExtraImports {
		allowed[imp] = true
	}

	patterns := cfg.TerminalPatterns
	if len(patterns) == 0 {
		patterns = []string{
			"missing credentials",
			"unavailable external dependency",
			"unsupported capability",
		}
	}

	return &Checker{
		allowedImports:   allowed,
		terminalPatterns: patterns,
	}
}

// ForRequirements derives a checker whose import allowlist additionally
// admits the given dependency manifest requirements. Requirement names are
// import paths, so a program may import exactly what its manifest declares
// and nothing more. The receiver is unchanged.
func (c *Checker) ForRequirements(paths []string) *Checker {
	if len(paths) == 0 {
		return c
	}
	allowed := make(map[string]bool, len(c.allowedImports)+len(paths))
	for k := range c.allowedImports {
		allowed[k] = true
	}
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			allowed[p] = true
		}
	}
	return &Checker{
		allowedImports:   allowed,
		terminalPatterns: c.terminalPatterns,
	}
}

// Check validates a generated program's source.
func (c *Checker) Check(source string) *Report {
	log := logging.Get(logging.CategoryGuardrail)
	report := &Report{Valid: true}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "program.go", source, parser.ParseComments)
	if err != nil {
		return c.fail(report, Violation{
			Type:               ViolationParseError,
			Location:           "program.go",
			Message:            fmt.Sprintf("syntax error: %v", err),
			RequiredCorrection: "produce syntactically valid Go source",
		})
	}

	if file.Name == nil || file.Name.Name != "main" {
		c.fail(report, Violation{
			Type:               ViolationBadSignature,
			Location:           "program.go:1",
			Message:            "program must declare package main",
			RequiredCorrection: "start the file with 'package main'",
		})
	}

	for _, imp := range file.Imports {
		report.ImportsChecked++
		path := strings.Trim(imp.Path.Value, `"`)
		if path == "C" {
			c.fail(report, Violation{
				Type:               ViolationCGO,
				Location:           position(fset, imp.Pos()),
				Message:            "cgo is not available in generated programs",
				RequiredCorrection: "remove the \"C\" import",
			})
			continue
		}
		if !c.allowedImports[path] {
			c.fail(report, Violation{
				Type:               ViolationForbiddenImport,
				Location:           position(fset, imp.Pos()),
				Message:            fmt.Sprintf("import %q is outside the allowed surface", path),
				RequiredCorrection: fmt.Sprintf("use only these imports: %s", strings.Join(c.AllowedImports(), ", ")),
			})
		}
	}

	entry := c.inspectFunctions(fset, file, report)
	if entry == nil {
		c.fail(report, Violation{
			Type:               ViolationMissingEntrypoint,
			Location:           "program.go",
			Message:            fmt.Sprintf("entrypoint %s not found", EntrypointName),
			RequiredCorrection: "define func Run(input map[string]interface{}) (interface{}, error)",
		})
	}

	if !report.Valid {
		log.Debugw("program rejected",
			"violations", len(report.Violations),
			"imports_checked", report.ImportsChecked,
			"calls_checked", report.CallsChecked)
	}
	return report
}

// ClassifyRefusal turns a provider refusal message into a terminal violation
// when it matches the terminal allowlist, and a recoverable one otherwise.
func (c *Checker) ClassifyRefusal(message string) Violation {
	lower := strings.ToLower(message)
	for _, pat := range c.terminalPatterns {
		if strings.Contains(lower, pat) {
			return Violation{
				Type:     ViolationDeclaredInability,
				Message:  message,
				Terminal: true,
			}
		}
	}
	return Violation{
		Type:               ViolationDeclaredInability,
		Message:            message,
		RequiredCorrection: "attempt the capability with the allowed surface",
	}
}

// AllowedImports returns the sorted import allowlist for prompt construction.
func (c *Checker) AllowedImports() []string {
	out := make([]string, 0, len(c.allowedImports))
	for k := range c.allowedImports {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Checker) fail(report *Report, v Violation) *Report {
	report.Valid = false
	report.Violations = append(report.Violations, v)
	return report
}

// inspectFunctions walks every function, flags dangerous constructs, and
// returns the entrypoint declaration if one exists.
func (c *Checker) inspectFunctions(fset *token.FileSet, file *ast.File, report *Report) *ast.FuncDecl {
	var entry *ast.FuncDecl

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.FuncDecl:
			if node.Name.Name == EntrypointName && node.Recv == nil {
				entry = node
				if !entrypointSignatureOK(node) {
					c.fail(report, Violation{
						Type:               ViolationBadSignature,
						Location:           position(fset, node.Pos()),
						Message:            fmt.Sprintf("%s has the wrong signature", EntrypointName),
						RequiredCorrection: "use func Run(input map[string]interface{}) (interface{}, error)",
					})
				}
			}

		case *ast.CallExpr:
			report.CallsChecked++
			if ident, ok := node.Fun.(*ast.Ident); ok && ident.Name == "panic" {
				c.fail(report, Violation{
					Type:               ViolationPanic,
					Location:           position(fset, node.Pos()),
					Message:            "panic is not allowed in generated programs",
					RequiredCorrection: "return an error instead of panicking",
				})
			}
			if sel, ok := node.Fun.(*ast.SelectorExpr); ok {
				if ident, ok := sel.X.(*ast.Ident); ok {
					key := ident.Name + "." + sel.Sel.Name
					if correction, bad := dangerousCalls[key]; bad {
						c.fail(report, Violation{
							Type:               ViolationDangerousCall,
							Location:           position(fset, node.Pos()),
							Message:            fmt.Sprintf("call to %s is not allowed", key),
							RequiredCorrection: correction,
						})
					}
				}
			}
		}
		return true
	})

	return entry
}

// entrypointSignatureOK checks Run takes one map parameter and returns a
// value and an error. Exact types are the interpreter's problem; the static
// check only catches shapes the binding can never satisfy.
func entrypointSignatureOK(fn *ast.FuncDecl) bool {
	params := fn.Type.Params
	if params == nil || countFields(params) != 1 {
		return false
	}
	results := fn.Type.Results
	if results == nil || countFields(results) != 2 {
		return false
	}
	last := results.List[len(results.List)-1]
	ident, ok := last.Type.(*ast.Ident)
	return ok && ident.Name == "error"
}

func countFields(list *ast.FieldList) int {
	n := 0
	for _, f := range list.List {
		if len(f.Names) == 0 {
			n++
		} else {
			n += len(f.Names)
		}
	}
	return n
}

func position(fset *token.FileSet, pos token.Pos) string {
	p := fset.Position(pos)
	return fmt.Sprintf("program.go:%d:%d", p.Line, p.Column)
}
