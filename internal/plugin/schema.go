package plugin

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the manifest schema. Manifests may reference it with
// a yaml-language-server comment.
const SchemaID = "https://holomush.dev/schemas/harness-plugin.schema.json"

// CodeManifestInvalid marks manifests rejected by the schema.
const CodeManifestInvalid = "PLUGIN_MANIFEST_INVALID"

const validationPrefix = "schema validation failed: "

var compiledSchema = sync.OnceValues(compileSchema)

// GenerateSchema generates the JSON Schema of plugin.yaml from Manifest.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := r.Reflect(&Manifest{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Harness Plugin Manifest"
	schema.Description = "Schema for " + ManifestFile + " files of Lua lifecycle plugins"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("plugin").Wrapf(err, "marshal schema")
	}
	return data, nil
}

// ValidateSchema validates YAML manifest data against the schema.
func ValidateSchema(data []byte) error {
	errb := oops.In("plugin").Code(CodeManifestInvalid)
	if len(data) == 0 {
		return errb.Errorf("manifest data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errb.Wrapf(err, "invalid YAML")
	}

	sch, err := compiledSchema()
	if err != nil {
		return oops.In("plugin").Wrapf(err, "compile schema")
	}
	if err := sch.Validate(toJSONTypes(doc)); err != nil {
		return errb.Errorf("%s%v", validationPrefix, err)
	}
	return nil
}

func compileSchema() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, oops.In("plugin").Wrapf(err, "parse schema")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(SchemaID, doc); err != nil {
		return nil, oops.In("plugin").Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile(SchemaID)
	if err != nil {
		return nil, oops.In("plugin").Wrapf(err, "compile schema")
	}
	return sch, nil
}

// toJSONTypes rewrites YAML-decoded values into the types the validator
// accepts. Anything unusual goes through a JSON round trip.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toJSONTypes(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toJSONTypes(e)
		}
		return out
	case string, int, int64, float64, bool, nil:
		return val
	}

	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// FormatSchemaError strips the validation prefix for log output.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), validationPrefix)
}
