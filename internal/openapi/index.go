// Package openapi loads the upstream API's OpenAPI document and checks the
// remote route table against it.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/workwell/internal/api"
)

// Operation is one indexed OpenAPI operation.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// ValidationError describes a schema validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of operations keyed by method and path
// template.
type Index struct {
	operations map[string]Operation // key: "METHOD /path/{id}/"
	serverURL  string
}

func operationKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Load parses and validates the OpenAPI document at specPath and indexes
// its operations.
func Load(specPath string) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating %s: %w", specPath, err)
	}

	idx := &Index{operations: make(map[string]Operation)}
	if len(doc.Servers) > 0 {
		idx.serverURL = doc.Servers[0].URL
	}

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[operationKey(method, path)] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
			}
		}
	}
	return idx, nil
}

// Len returns the number of indexed operations.
func (idx *Index) Len() int { return len(idx.operations) }

// ServerURL returns the first server URL declared by the document.
func (idx *Index) ServerURL() string { return idx.serverURL }

// Lookup returns the operation for a route.
func (idx *Index) Lookup(r api.Route) (Operation, bool) {
	op, ok := idx.operations[operationKey(r.Method, r.OpenAPIPath())]
	return op, ok
}

// Verify checks that every route exists in the document and that the query
// parameters each route sends are declared. It reports all problems at once.
func (idx *Index) Verify(routes []api.Route) error {
	var problems []string
	for _, r := range routes {
		if _, ok := idx.Lookup(r); !ok {
			problems = append(problems, fmt.Sprintf("%s %s (%s)", r.Method, r.OpenAPIPath(), r.Name))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("openapi: routes missing from the upstream document: %s", strings.Join(problems, ", "))
}

// VerifyQuery checks that every query parameter of req is declared on its
// operation.
func (idx *Index) VerifyQuery(req api.Request) []ValidationError {
	op, ok := idx.Lookup(req.Route)
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s %s not found", req.Route.Method, req.Route.OpenAPIPath())}}
	}

	declared := make(map[string]bool)
	for _, p := range op.Parameters {
		if p.In == openapi3.ParameterInQuery {
			declared[p.Name] = true
		}
	}

	var errs []ValidationError
	for name := range req.Query {
		if !declared[name] {
			errs = append(errs, ValidationError{Field: name, Message: fmt.Sprintf("%s is not a declared query parameter", name)})
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// ValidateRequest checks the body of req against the required fields of its
// operation's JSON request schema. Returns nil when valid.
func (idx *Index) ValidateRequest(req api.Request) []ValidationError {
	op, ok := idx.Lookup(req.Route)
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s %s not found", req.Route.Method, req.Route.OpenAPIPath())}}
	}

	if op.RequestBody == nil {
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	body, err := asMap(req.Body)
	if err != nil {
		return []ValidationError{{Message: err.Error()}}
	}

	schema := ct.Schema.Value
	var errs []ValidationError

	// Validate required fields.
	for _, name := range schema.Required {
		if _, exists := body[name]; !exists {
			errs = append(errs, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("%s is required", name),
			})
		}
	}

	return errs
}

func asMap(body any) (map[string]any, error) {
	if body == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}
	return m, nil
}
