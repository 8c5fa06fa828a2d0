package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

// openAPIDoc is the subset of the document the drift check reads.
type openAPIDoc struct {
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

type openAPIOperation struct {
	OperationID string `yaml:"operationId"`
}

// TestOpenAPIDrift walks the chi router and compares the registered routes
// against the embedded openapi.yaml. It fails if any routes are
// undocumented, if the document lists stale paths, or if operation IDs are
// missing or repeated.
func TestOpenAPIDrift(t *testing.T) {
	// Parse openapi.yaml.
	var doc openAPIDoc
	if err := yaml.Unmarshal(openapiDocument, &doc); err != nil {
		t.Fatalf("failed to parse openapi.yaml: %v", err)
	}

	docRoutes := make(map[string]bool)
	operationIDs := make(map[string]string)
	for path, methods := range doc.Paths {
		for method, node := range methods {
			method = strings.ToUpper(method)
			// Skip extension keys (x-...) and path-level parameters.
			if strings.HasPrefix(strings.ToLower(method), "x-") || method == "PARAMETERS" {
				continue
			}
			route := method + " " + path
			docRoutes[route] = true

			var op openAPIOperation
			if err := node.Decode(&op); err != nil {
				t.Fatalf("decoding %s: %v", route, err)
			}
			if op.OperationID == "" {
				t.Errorf("%s has no operationId", route)
				continue
			}
			if prev, dup := operationIDs[op.OperationID]; dup {
				t.Errorf("operationId %q used by %s and %s", op.OperationID, prev, route)
			}
			operationIDs[op.OperationID] = route
		}
	}

	// Router only registers handlers, so a zero API is enough to walk it.
	a := &API{}
	router := a.Router()

	chiRoutes := make(map[string]bool)
	err := chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		// Normalise trailing slashes for consistent comparison.
		route = strings.TrimRight(route, "/")
		if route == "" {
			route = "/"
		}

		// Documentation routes are not part of the contract.
		if route == "/openapi.yaml" ||
			strings.HasPrefix(route, "/docs") ||
			strings.HasPrefix(route, "/redoc") {
			return nil
		}

		// chi and OpenAPI share the {param} syntax.
		chiRoutes[method+" "+route] = true
		return nil
	})
	if err != nil {
		t.Fatalf("chi.Walk failed: %v", err)
	}

	var undocumented []string
	for route := range chiRoutes {
		if !docRoutes[route] {
			undocumented = append(undocumented, route)
		}
	}
	sort.Strings(undocumented)

	var stale []string
	for route := range docRoutes {
		if !chiRoutes[route] {
			stale = append(stale, route)
		}
	}
	sort.Strings(stale)

	if len(undocumented) > 0 {
		t.Errorf("routes registered in Router() but missing from openapi.yaml:\n%s",
			formatRouteList(undocumented))
	}

	if len(stale) > 0 {
		t.Errorf("routes in openapi.yaml but not registered in Router():\n%s",
			formatRouteList(stale))
	}

	if len(undocumented) == 0 && len(stale) == 0 {
		t.Logf("openapi.yaml and router agree on %d routes", len(chiRoutes))
	}
}

func formatRouteList(routes []string) string {
	var b strings.Builder
	for _, r := range routes {
		fmt.Fprintf(&b, "  - %s\n", r)
	}
	return b.String()
}
