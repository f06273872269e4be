package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ParseError reports model output that could not be decoded into a contract.
type ParseError struct {
	Contract string
	Problems []string
	Err      error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "parse error"
	}
	msg := fmt.Sprintf("decode %s", e.Contract)
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func contractValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate runs the struct tag rules of any contract value.
func Validate(contract string, v any) error {
	if err := contractValidator().Struct(v); err != nil {
		return &ParseError{Contract: contract, Problems: describeValidation(err), Err: err}
	}
	return nil
}

// Decode strictly decodes model output into T and validates it.
// Markdown code fences around the JSON body are tolerated; anything else
// outside a single JSON object is rejected.
func Decode[T any](contract, content string) (*T, error) {
	body := stripFences(content)
	if body == "" {
		return nil, &ParseError{Contract: contract, Problems: []string{"empty output"}}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	var out T
	if err := dec.Decode(&out); err != nil {
		return nil, &ParseError{Contract: contract, Problems: []string{err.Error()}, Err: err}
	}
	if dec.More() {
		return nil, &ParseError{Contract: contract, Problems: []string{"trailing content after JSON object"}}
	}
	if err := Validate(contract, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func describeValidation(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			problems = append(problems, fmt.Sprintf("%s is required", fe.Namespace()))
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s must be one of [%s]", fe.Namespace(), fe.Param()))
		case "min":
			problems = append(problems, fmt.Sprintf("%s needs at least %s entries", fe.Namespace(), fe.Param()))
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
	}
	return problems
}
