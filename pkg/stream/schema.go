package stream

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema describes a stream's entry type: language-tagged renderings plus
// the raw JSON Schema descriptor. It is computed once at stream
// construction.
type Schema struct {
	Language   map[string]string `json:"language"`
	TypeName   string            `json:"type_name"`
	TypeID     string            `json:"type_id"`
	TypeSchema json.RawMessage   `json:"type_schema"`
}

// SchemaFormatNotFound is the 404 body for an unknown schema language.
type SchemaFormatNotFound struct {
	Error                      string `json:"error"`
	UnsupportedFormatRequested string `json:"unsupported_format_requested,omitempty"`
}

// Describe returns the rendering for one language.
func (s *Schema) Describe(language string) (string, error) {
	text, ok := s.Language[language]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSchemaFormat, language)
	}
	return text, nil
}

func newSchema[T any]() (*Schema, error) {
	js, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("derive json schema: %w", err)
	}
	raw, err := json.Marshal(js)
	if err != nil {
		return nil, fmt.Errorf("encode json schema: %w", err)
	}

	t := reflect.TypeFor[T]()
	name := t.Name()
	if name == "" {
		name = t.String()
	}

	h := fnv.New64a()
	h.Write(raw)

	return &Schema{
		Language: map[string]string{
			"json": string(raw),
			"go":   renderGoDeclarations(t),
		},
		TypeName:   name,
		TypeID:     fmt.Sprintf("T%d", h.Sum64()),
		TypeSchema: raw,
	}, nil
}

// renderGoDeclarations emits Go type declarations for the named struct
// types reachable from t, sorted by their text so the output is stable.
func renderGoDeclarations(t reflect.Type) string {
	seen := map[reflect.Type]bool{}
	var decls []string
	collectGoDecl(t, seen, &decls)
	sort.Strings(decls)
	return strings.Join(decls, "\n")
}

func collectGoDecl(t reflect.Type, seen map[reflect.Type]bool, decls *[]string) {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Map {
		if t.Kind() == reflect.Map {
			collectGoDecl(t.Key(), seen, decls)
		}
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" || seen[t] {
		return
	}
	seen[t] = true

	var b strings.Builder
	fmt.Fprintf(&b, "type %s struct {\n", t.Name())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Anonymous {
			fmt.Fprintf(&b, "\t%s\n", f.Type.Name())
		} else if tag := f.Tag.Get("json"); tag != "" {
			fmt.Fprintf(&b, "\t%s %s `json:%q`\n", f.Name, f.Type.String(), tag)
		} else {
			fmt.Fprintf(&b, "\t%s %s\n", f.Name, f.Type.String())
		}
		collectGoDecl(f.Type, seen, decls)
	}
	b.WriteString("}\n")
	*decls = append(*decls, b.String())
}
