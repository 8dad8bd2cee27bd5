package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/harrison/coordinator/internal/models"
)

// Format represents the format of a plan file
type Format int

const (
	// FormatUnknown represents an unknown or unsupported file format
	FormatUnknown Format = iota
	// FormatMarkdown represents a Markdown (.md, .markdown) plan file
	FormatMarkdown
	// FormatYAML represents a YAML (.yaml, .yml) plan file
	FormatYAML
	// FormatJSON represents a JSON (.json) plan file
	FormatJSON
)

// String returns the string representation of the Format
func (f Format) String() string {
	switch f {
	case FormatMarkdown:
		return "markdown"
	case FormatYAML:
		return "yaml"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// SourceKey is the plan metadata key holding the file a plan was loaded from.
const SourceKey = "source_file"

// Parser is the interface that all plan parsers must implement
type Parser interface {
	// Parse reads from an io.Reader and returns a validated Plan
	Parse(r io.Reader) (*models.Plan, error)
}

// decoder builds an unvalidated plan; split plan parts are only valid
// once merged.
type decoder interface {
	decode(content []byte) (*models.Plan, error)
}

func parse(d decoder, r io.Reader) (*models.Plan, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	plan, err := d.decode(content)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

// DetectFormat automatically detects the plan format based on file extension
// Supported extensions:
//   - .md, .markdown -> FormatMarkdown
//   - .yaml, .yml -> FormatYAML
//   - .json -> FormatJSON
//   - all others -> FormatUnknown
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatUnknown
	}
}

// NewParser creates a new parser instance for the specified format
// Returns an error if the format is unknown or unsupported
func NewParser(format Format) (Parser, error) {
	switch format {
	case FormatMarkdown:
		return NewMarkdownParser(), nil
	case FormatYAML, FormatJSON:
		// JSON is a subset of YAML
		return NewYAMLParser(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %v", format)
	}
}

// ParseFile is a convenience function that:
//  1. Detects if input is a directory (split plan) or file
//  2. For directories, calls ParseDirectory to merge numbered files
//  3. For files, auto-detects format, opens it, and parses
//  4. Records the absolute source path in plan metadata
func ParseFile(path string) (*models.Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to access path: %w", err)
	}
	if info.IsDir() {
		if !IsSplitPlan(path) {
			return nil, fmt.Errorf("%s is not a split plan: expected numbered files such as 1-setup.yaml", path)
		}
		return ParseDirectory(path)
	}

	plan, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	setSource(plan, path)
	return plan, nil
}

// IsSplitPlan detects if a directory contains a split plan
// Returns true if numbered files (1-*.md, 2-*.yaml, etc.) are found
func IsSplitPlan(dirname string) bool {
	entries, err := os.ReadDir(dirname)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && splitPattern.MatchString(entry.Name()) && DetectFormat(entry.Name()) != FormatUnknown {
			return true
		}
	}
	return false
}

var splitPattern = regexp.MustCompile(`^(\d+)-`)

// ParseDirectory loads all numbered plan files from a directory and merges
// them into a single plan. The first file carries the plan id and brief;
// later files contribute steps and dependencies.
func ParseDirectory(dirname string) (*models.Plan, error) {
	entries, err := os.ReadDir(dirname)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	type planFile struct {
		index int
		path  string
		name  string
	}
	var planFiles []planFile
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		match := splitPattern.FindStringSubmatch(entry.Name())
		if match == nil || DetectFormat(entry.Name()) == FormatUnknown {
			continue
		}
		var index int
		fmt.Sscanf(match[1], "%d", &index)
		planFiles = append(planFiles, planFile{index, filepath.Join(dirname, entry.Name()), entry.Name()})
	}
	if len(planFiles) == 0 {
		return nil, fmt.Errorf("no numbered plan files in %s", dirname)
	}
	sort.SliceStable(planFiles, func(i, j int) bool { return planFiles[i].index < planFiles[j].index })

	var plans []*models.Plan
	for _, pf := range planFiles {
		plan, err := parseFile(pf.path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", pf.name, err)
		}
		plans = append(plans, plan)
	}

	merged, err := MergePlans(plans...)
	if err != nil {
		return nil, err
	}
	setSource(merged, dirname)
	return merged, nil
}

// parseFile decodes a single file without validating it
func parseFile(path string) (*models.Plan, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unknown file format: %s (supported: .md, .markdown, .yaml, .yml, .json)", path)
	}
	parser, err := NewParser(format)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	plan, err := parser.(decoder).decode(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return plan, nil
}

func setSource(plan *models.Plan, path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if plan.Metadata == nil {
		plan.Metadata = make(map[string]any)
	}
	plan.Metadata[SourceKey] = absPath
}

// MergePlans combines split plan files into one plan. All parts must share
// the first part's plan id (or declare none); step ids must be unique.
func MergePlans(plans ...*models.Plan) (*models.Plan, error) {
	var parts []*models.Plan
	for _, p := range plans {
		if p != nil {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no plans to merge")
	}

	merged := parts[0].Clone()
	seen := make(map[string]bool, len(merged.Steps))
	for _, s := range merged.Steps {
		seen[s.ID] = true
	}
	for _, part := range parts[1:] {
		if part.ID != "" && part.ID != merged.ID {
			return nil, fmt.Errorf("cannot merge plan %s into plan %s", part.ID, merged.ID)
		}
		for _, step := range part.Steps {
			if seen[step.ID] {
				return nil, fmt.Errorf("duplicate step id: %s", step.ID)
			}
			seen[step.ID] = true
			merged.Steps = append(merged.Steps, step.Clone())
			if deps := part.DAG[step.ID]; len(deps) > 0 {
				merged.DAG[step.ID] = append([]string(nil), deps...)
			}
		}
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("merged plan: %w", err)
	}
	return merged, nil
}
