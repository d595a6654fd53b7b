package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stratalabel/strata/pkg/telemetry"
)

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger *telemetry.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Loader{logger: logger}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.WithFields(map[string]any{
		"total":   len(all),
		"sources": len(paths),
	}).Debug("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(path)
	}

	policy, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

// loadFromDirectory loads all policy files below dirPath in lexical order.
// Unreadable files fail the load.
func (l *Loader) loadFromDirectory(dirPath string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, path := range files {
		policy, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFromFile(filePath string) (*Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policy = parseRegoFile(filePath, data)
	case strings.HasSuffix(filePath, ".json"):
		policy, err = parseJSONFile(filePath, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.logger.WithFields(map[string]any{
		"path":   filePath,
		"policy": policy.Name,
	}).Debug("Policy loaded from file")

	return policy, nil
}

// parseRegoFile names the policy after its file. Leading comments become
// the description.
func parseRegoFile(filePath string, data []byte) *Policy {
	name := strings.TrimSuffix(filepath.Base(filePath), ".rego")
	return &Policy{
		Name:        name,
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      filePath,
	}
}

// parseJSONFile parses a JSON policy definition. Policies are enabled
// unless the file sets "enabled": false.
func parseJSONFile(filePath string, data []byte) (*Policy, error) {
	policy := Policy{Enabled: true}
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", filePath, err)
	}
	if policy.Name == "" {
		policy.Name = strings.TrimSuffix(filepath.Base(filePath), ".json")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	policy.Source = filePath
	return &policy, nil
}

func extractDescription(content string) string {
	var description strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" && description.Len() > 0 {
			break
		}
	}
	return description.String()
}
