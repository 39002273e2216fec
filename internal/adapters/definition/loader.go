package definition

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// rawWorkflow accepts the trigger block but leaves it to trigger ingestion.
type rawWorkflow struct {
	Name string            `yaml:"name"`
	On   yaml.Node         `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs yaml.Node         `yaml:"jobs"`
}

type rawJob struct {
	Needs           yaml.Node         `yaml:"needs"`
	If              string            `yaml:"if"`
	TimeoutMinutes  float64           `yaml:"timeout-minutes"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	Strategy        *rawStrategy      `yaml:"strategy"`
	Concurrency     yaml.Node         `yaml:"concurrency"`
	Outputs         map[string]string `yaml:"outputs"`
	Env             map[string]string `yaml:"env"`
}

type rawStrategy struct {
	Matrix      yaml.Node `yaml:"matrix"`
	FailFast    *bool     `yaml:"fail-fast"`
	MaxParallel int       `yaml:"max-parallel"`
}

type rawConcurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress"`
}

// LoadFile reads and parses a workflow file.
func LoadFile(path string) (*domain.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes a workflow document. Jobs and matrix dimensions keep their
// document order.
func Parse(data []byte) (*domain.WorkflowDefinition, error) {
	var raw rawWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, invalid("decode workflow: %v", err)
	}

	def := &domain.WorkflowDefinition{Name: raw.Name, Env: raw.Env}

	if raw.Jobs.Kind != 0 && raw.Jobs.Kind != yaml.MappingNode {
		return nil, invalid("line %d: jobs must be a mapping", raw.Jobs.Line)
	}
	for i := 0; i+1 < len(raw.Jobs.Content); i += 2 {
		key, value := raw.Jobs.Content[i], raw.Jobs.Content[i+1]
		spec, err := parseJob(key.Value, value)
		if err != nil {
			return nil, err
		}
		def.Jobs = append(def.Jobs, spec)
	}

	if err := validate.Struct(def); err != nil {
		return nil, invalid("%v", err)
	}
	return def, nil
}

func parseJob(name string, node *yaml.Node) (domain.JobSpec, error) {
	spec := domain.JobSpec{Name: name}

	var raw rawJob
	if err := node.Decode(&raw); err != nil {
		return spec, invalid("job %s: %v", name, err)
	}

	needs, err := stringList(&raw.Needs)
	if err != nil {
		return spec, invalid("job %s: needs: %v", name, err)
	}

	spec.Needs = needs
	spec.If = raw.If
	spec.ContinueOnError = raw.ContinueOnError
	spec.Outputs = raw.Outputs
	spec.Env = raw.Env
	if raw.TimeoutMinutes < 0 {
		return spec, invalid("job %s: timeout-minutes must not be negative", name)
	}
	spec.Timeout = time.Duration(raw.TimeoutMinutes * float64(time.Minute))

	if raw.Concurrency.Kind != 0 {
		concurrency, err := parseConcurrency(&raw.Concurrency)
		if err != nil {
			return spec, invalid("job %s: concurrency: %v", name, err)
		}
		spec.Concurrency = concurrency
	}

	if raw.Strategy != nil {
		matrix, err := parseMatrix(&raw.Strategy.Matrix)
		if err != nil {
			return spec, invalid("job %s: strategy.matrix: %v", name, err)
		}
		if matrix == nil && (raw.Strategy.FailFast != nil || raw.Strategy.MaxParallel != 0) {
			return spec, invalid("job %s: strategy without a matrix", name)
		}
		if matrix != nil {
			matrix.FailFast = raw.Strategy.FailFast
			matrix.MaxParallel = raw.Strategy.MaxParallel
		}
		spec.Matrix = matrix
	}

	return spec, nil
}

func stringList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

func parseConcurrency(node *yaml.Node) (*domain.ConcurrencySpec, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return &domain.ConcurrencySpec{Group: node.Value}, nil
	case yaml.MappingNode:
		var raw rawConcurrency
		if err := node.Decode(&raw); err != nil {
			return nil, err
		}
		return &domain.ConcurrencySpec{Group: raw.Group, CancelInProgress: raw.CancelInProgress}, nil
	}
	return nil, fmt.Errorf("line %d: expected a group name or an object", node.Line)
}

func parseMatrix(node *yaml.Node) (*domain.MatrixSpec, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if !isExpression(node.Value) {
			return nil, fmt.Errorf("line %d: a scalar matrix must be a ${{ }} expression", node.Line)
		}
		return &domain.MatrixSpec{Expression: node.Value}, nil
	case yaml.MappingNode:
	default:
		return nil, fmt.Errorf("line %d: expected a mapping or an expression", node.Line)
	}

	matrix := &domain.MatrixSpec{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "include", "exclude":
			var entries []map[string]any
			if err := value.Decode(&entries); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if key == "include" {
				matrix.Include = entries
			} else {
				matrix.Exclude = entries
			}
		default:
			dim, err := parseDimension(key, value)
			if err != nil {
				return nil, err
			}
			matrix.Dimensions = append(matrix.Dimensions, dim)
		}
	}
	return matrix, nil
}

func parseDimension(name string, node *yaml.Node) (domain.MatrixDimension, error) {
	dim := domain.MatrixDimension{Name: name}
	switch node.Kind {
	case yaml.ScalarNode:
		if !isExpression(node.Value) {
			return dim, fmt.Errorf("dimension %s: expected a list or a ${{ }} expression", name)
		}
		dim.Expression = node.Value
	case yaml.SequenceNode:
		if err := node.Decode(&dim.Values); err != nil {
			return dim, fmt.Errorf("dimension %s: %w", name, err)
		}
	default:
		return dim, fmt.Errorf("dimension %s: expected a list or a ${{ }} expression", name)
	}
	return dim, nil
}

func isExpression(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsInvalid reports whether err came from a malformed workflow document.
func IsInvalid(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput)
}
