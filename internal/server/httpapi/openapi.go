package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openapi3 "github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"

	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
)

// serveOpenAPI returns an OpenAPI v3 JSON document generated from server types.
func (api *apiServer) serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	baseURL := ""
	if r != nil && r.Host != "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, r.Host)
	}

	spec, err := BuildOpenAPISpec(baseURL)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build openapi: %v", err), http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(spec)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal openapi: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// BuildOpenAPISpec constructs the OpenAPI spec. If baseURL is non-empty, it will be set as the server URL.
func BuildOpenAPISpec(baseURL string) (*openapi3.T, error) {
	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Fleet REST API",
			Version:     "v1",
			Description: "Compute inventory, VM lifecycle actions and model events of fleetd.",
		},
		Servers:    openapi3.Servers{},
		Paths:      openapi3.NewPaths(),
		Components: &openapi3.Components{Schemas: openapi3.Schemas{}},
	}
	if baseURL != "" {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: baseURL})
	}

	gen := openapi3gen.NewGenerator(
		openapi3gen.CreateComponentSchemas(openapi3gen.ExportComponentSchemasOptions{
			ExportComponentSchemas: true,
			ExportTopLevelSchema:   false,
			ExportGenerics:         true,
		}),
	)

	schemas := map[string]*openapi3.SchemaRef{}
	for name, v := range map[string]any{
		"compute":  &computeResponse{},
		"patch":    &patchComputeRequest{},
		"template": &templateResponse{},
		"action":   &actionRequest{},
		"createVM": &createVMForm{},
		"event":    &events.ModelEvent{},
	} {
		ref, err := gen.NewSchemaRefForValue(v, spec.Components.Schemas)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		schemas[name] = ref
	}

	errorSchema := openapi3.NewSchemaRef("", &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: map[string]*openapi3.SchemaRef{
			"error": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		},
	})
	spec.Components.Schemas["Error"] = errorSchema

	withError := func(op *openapi3.Operation, code, desc string) {
		resp := openapi3.NewResponse().WithDescription(desc)
		resp.Content = openapi3.NewContentWithJSONSchemaRef(errorSchema)
		op.Responses.Set(code, &openapi3.ResponseRef{Value: resp})
	}
	idParam := &openapi3.ParameterRef{Value: &openapi3.Parameter{Name: "id", In: openapi3.ParameterInPath, Required: true, Schema: openapi3.NewSchemaRef("", openapi3.NewStringSchema())}}
	actionParam := &openapi3.ParameterRef{Value: &openapi3.Parameter{Name: "action", In: openapi3.ParameterInPath, Required: true, Schema: openapi3.NewSchemaRef("", openapi3.NewStringSchema())}}

	spec.AddOperation("/api/v1/computes", http.MethodGet, func() *openapi3.Operation {
		op := openapi3.NewOperation()
		op.Summary = "List hosts and VMs"
		op.OperationID = "listComputes"
		op.Tags = []string{"compute"}
		op.Responses = openapi3.NewResponses()
		resp := openapi3.NewResponse().WithDescription("Array of computes")
		resp.Content = openapi3.NewContentWithJSONSchema(&openapi3.Schema{Type: &openapi3.Types{openapi3.TypeArray}, Items: schemas["compute"]})
		op.Responses.Set("200", &openapi3.ResponseRef{Value: resp})
		withError(op, "500", "Internal error")
		return op
	}())

	spec.AddOperation("/api/v1/computes/{id}", http.MethodGet, func() *openapi3.Operation {
		op := openapi3.NewOperation()
		op.Summary = "Fetch a compute with its features"
		op.OperationID = "getCompute"
		op.Tags = []string{"compute"}
		op.Parameters = openapi3.Parameters{idParam}
		op.Responses = openapi3.NewResponses()
		resp := openapi3.NewResponse().WithDescription("Compute")
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schemas["compute"])
		op.Responses.Set("200", &openapi3.ResponseRef{Value: resp})
		withError(op, "404", "Not found")
		return op
	}())

	spec.AddOperation("/api/v1/computes/{id}", http.MethodPatch, func() *openapi3.Operation {
		op := openapi3.NewOperation()
		op.Summary = "Edit desired state or VM settings"
		op.OperationID = "patchCompute"
		op.Tags = []string{"compute"}
		op.Parameters = openapi3.Parameters{idParam}
		op.RequestBody = &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{Required: true, Content: openapi3.NewContentWithJSONSchemaRef(schemas["patch"])}}
		op.Responses = openapi3.NewResponses()
		resp := openapi3.NewResponse().WithDescription("Updated compute")
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schemas["compute"])
		op.Responses.Set("200", &openapi3.ResponseRef{Value: resp})
		withError(op, "400", "Bad request")
		withError(op, "404", "Not found")
		return op
	}())

	spec.AddOperation("/api/v1/computes/{id}", http.MethodDelete, func() *openapi3.Operation {
		op := openapi3.NewOperation()
		op.Summary = "Delete a host, or destroy, undeploy and delete a VM"
		op.OperationID = "deleteCompute"
		op.Tags = []string{"compute"}
		op.Parameters = openapi3.Parameters{idParam}
		op.Responses = openapi3.NewResponses()
		op.Responses.Set("204", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("Deleted")})
		withError(op, "404", "Not found")
		withError(op, "504", "A delete step timed out")
		return op
	}())

	spec.AddOperation("/api/v1/computes/{id}/templates", http.MethodGet, func() *openapi3.Operation {
		op := openapi3.NewOperation()
		op.Summary = "Template catalog of the compute's host"
		op.OperationID = "listTemplates"
		op.Tags = []string{"compute"}
		op.Parameters = openapi3.Parameters{idParam}
		op.Responses = openapi3.NewResponses()
		resp := openapi3.NewResponse().WithDescription("Templates")
		resp.Content = openapi3.NewContentWithJSONSchema(&openapi3.Schema{Type: &openapi3.Types{openapi3.TypeArray}, Items: schemas["template"]})
		op.Responses.Set("200", &openapi3.ResponseRef{Value: resp})
		withError(op, "404", "Not found")
		return op
	}())

	spec.AddOperation("/api/v1/computes/{id}/actions/{action}", http.MethodPost, func() *openapi3.Operation {
		op := openapi3.NewOperation()
		op.Summary = "Run a lifecycle action and return its output"
		op.OperationID = "runAction"
		op.Tags = []string{"action"}
		op.Parameters = openapi3.Parameters{idParam, actionParam}
		op.RequestBody = &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{Content: openapi3.NewContentWithJSONSchemaRef(schemas["action"])}}
		op.Responses = openapi3.NewResponses()
		desc := "Action output"
		text := &openapi3.Response{Description: &desc, Content: openapi3.Content{"text/plain": {Schema: openapi3.NewSchemaRef("", openapi3.NewStringSchema())}}}
		op.Responses.Set("200", &openapi3.ResponseRef{Value: text})
		op.Responses.Set("400", &openapi3.ResponseRef{Value: text})
		op.Responses.Set("404", &openapi3.ResponseRef{Value: text})
		return op
	}())

	spec.AddOperation("/api/v1/containers/{id}/vms", http.MethodPost, func() *openapi3.Operation {
		op := openapi3.NewOperation()
		op.Summary = "Create a VM in a virtualization container"
		op.OperationID = "createVM"
		op.Tags = []string{"vm"}
		op.Parameters = openapi3.Parameters{idParam}
		op.RequestBody = &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{Required: true, Content: openapi3.NewContentWithJSONSchemaRef(schemas["createVM"])}}
		op.Responses = openapi3.NewResponses()
		envelope := openapi3.NewObjectSchema()
		envelope.Properties = map[string]*openapi3.SchemaRef{
			"success": openapi3.NewSchemaRef("", openapi3.NewBoolSchema()),
			"result":  schemas["compute"],
			"errors": openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeArray}, Items: openapi3.NewSchemaRef("", func() *openapi3.Schema {
				s := openapi3.NewObjectSchema()
				s.Properties = map[string]*openapi3.SchemaRef{
					"id":  openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
					"msg": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
				}
				return s
			}())}),
		}
		resp := openapi3.NewResponse().WithDescription("Creation envelope")
		resp.Content = openapi3.NewContentWithJSONSchema(envelope)
		op.Responses.Set("200", &openapi3.ResponseRef{Value: resp})
		return op
	}())

	spec.AddOperation("/ws/v1/events", http.MethodGet, func() *openapi3.Operation {
		op := openapi3.NewOperation()
		op.Summary = "Stream model events (WebSocket, one JSON message per event)"
		op.OperationID = "streamEvents"
		op.Tags = []string{"events"}
		op.Responses = openapi3.NewResponses()
		resp := openapi3.NewResponse().WithDescription("Switching protocols")
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schemas["event"])
		op.Responses.Set("101", &openapi3.ResponseRef{Value: resp})
		return op
	}())

	return spec, nil
}
