package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	openapi3 "github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"

	"github.com/ccheshirecat/fleet/internal/server/httpapi"
)

func main() {
	var (
		outPath   string
		format    string
		serverURL string
	)

	flag.StringVar(&outPath, "output", "", "Output path (default stdout)")
	flag.StringVar(&format, "format", "json", "Output format: json|yaml")
	flag.StringVar(&serverURL, "server", "http://127.0.0.1:7780", "Server URL to include in OpenAPI servers list")
	flag.Parse()

	spec, err := httpapi.BuildOpenAPISpec("")
	if err != nil {
		fatalf("build openapi: %v", err)
	}

	serverURL = strings.TrimSpace(serverURL)
	if serverURL != "" {
		spec.Servers = openapi3.Servers{&openapi3.Server{URL: serverURL}}
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		fatalf("marshal json: %v", err)
	}
	switch strings.ToLower(format) {
	case "json":
	case "yaml", "yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			fatalf("convert yaml: %v", err)
		}
		if data, err = yaml.Marshal(&doc); err != nil {
			fatalf("marshal yaml: %v", err)
		}
	default:
		fatalf("unsupported format: %s", format)
	}

	if outPath == "" {
		_, _ = os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		fatalf("write %s: %v", outPath, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
