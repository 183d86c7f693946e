// Package openapi loads the service's OpenAPI description and indexes its
// operations by method and path template.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var specYAML []byte

// Operation is one documented route.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	// Public operations declare an empty security requirement.
	Public bool
}

// Document is the parsed and validated API description.
type Document struct {
	doc        *openapi3.T
	rendered   []byte
	operations map[string]Operation // key: "METHOD path"
}

func operationKey(method, path string) string {
	return method + " " + path
}

// Load parses the embedded description and validates it.
func Load(ctx context.Context) (*Document, error) {
	return LoadData(ctx, specYAML)
}

// LoadData parses and validates an OpenAPI document given as YAML or JSON.
func LoadData(ctx context.Context, data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating: %w", err)
	}

	rendered, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: rendering: %w", err)
	}

	d := &Document{doc: doc, rendered: rendered, operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			d.operations[operationKey(method, path)] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Public:       op.Security != nil && len(*op.Security) == 0,
			}
		}
	}
	return d, nil
}

// Version returns info.version.
func (d *Document) Version() string {
	return d.doc.Info.Version
}

// Operation returns the operation documented for method and path template.
func (d *Document) Operation(method, path string) (Operation, bool) {
	op, ok := d.operations[operationKey(method, path)]
	return op, ok
}

// Operations returns every documented operation sorted by path, then method.
func (d *Document) Operations() []Operation {
	ops := make([]Operation, 0, len(d.operations))
	for _, op := range d.operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].PathTemplate != ops[j].PathTemplate {
			return ops[i].PathTemplate < ops[j].PathTemplate
		}
		return ops[i].Method < ops[j].Method
	})
	return ops
}

// ServeHTTP writes the document as JSON.
func (d *Document) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.rendered)
}
