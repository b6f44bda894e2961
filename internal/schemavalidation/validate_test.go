package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
	valid        bool
}

func TestSchemaValidation(t *testing.T) {
	repoRoot := repoRoot(t)
	manifestSchema := filepath.Join(repoRoot, "internal", "update", "manifest.schema.json")
	fixture := func(name string) string {
		return filepath.Join(repoRoot, "internal", "schemavalidation", "testdata", name)
	}

	cases := []schemaCase{
		{name: "manifest-full", schemaPath: manifestSchema, instancePath: fixture("manifest-full.json"), valid: true},
		{name: "manifest-minimal", schemaPath: manifestSchema, instancePath: fixture("manifest-minimal.json"), valid: true},
		{name: "manifest-no-url", schemaPath: manifestSchema, instancePath: fixture("manifest-no-url.json")},
		{name: "manifest-bad-digest", schemaPath: manifestSchema, instancePath: fixture("manifest-bad-digest.json")},
		{name: "manifest-zero-code", schemaPath: manifestSchema, instancePath: fixture("manifest-zero-code.json")},
		{name: "manifest-ftp", schemaPath: manifestSchema, instancePath: fixture("manifest-ftp.json")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateInstance(t, tc.schemaPath, tc.instancePath)
			if tc.valid && err != nil {
				t.Fatalf("schema validation failed for %s: %v", filepath.Base(tc.instancePath), err)
			}
			if !tc.valid && err == nil {
				t.Fatalf("%s validated but should have been rejected", filepath.Base(tc.instancePath))
			}
		})
	}
}

func validateInstance(t *testing.T, schemaPath, instancePath string) error {
	t.Helper()
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	instanceData, err := os.ReadFile(instancePath)
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}

	var instance any
	if err := json.Unmarshal(instanceData, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	return schema.Validate(instance)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
