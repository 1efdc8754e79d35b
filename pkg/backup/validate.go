package backup

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/forest6511/horizen/pkg/security"
)

// envelopeSchema covers the top-level shape shared by V1 and V2 documents.
// Section contents are checked by the Go validators below.
const envelopeSchema = `{
  "type": "object",
  "required": ["version"],
  "anyOf": [
    {"required": ["exportedAt"]},
    {"required": ["timestamp"]}
  ],
  "properties": {
    "version": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)*$"},
    "exportedAt": {"type": "string"},
    "timestamp": {"type": ["string", "number"]},
    "hash": {"type": "string"},
    "encrypted": {"type": "boolean"},
    "salt": {"type": "string"},
    "iterations": {"type": "integer", "minimum": 100000},
    "encryptedSections": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "contents": {"type": "object"},
    "preferences": {"type": "object"},
    "apiKeys": {"type": "object"},
    "shortcuts": {"type": "array"},
    "weatherLocation": {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func envelope() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	})
	return schema, schemaErr
}

// formatVersion classifies a version string.
type formatVersion int

const (
	versionUnknown formatVersion = iota
	versionV1
	versionV2
)

func classifyVersion(v string) formatVersion {
	switch {
	case v == "1" || strings.HasPrefix(v, "1."):
		return versionV1
	case v == "2" || strings.HasPrefix(v, "2."):
		return versionV2
	default:
		return versionUnknown
	}
}

// ValidateImportData checks the structure of an import document before any
// hash check or decryption. Every problem found is reported in one
// *security.FormatError.
func ValidateImportData(data []byte) error {
	var top map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		return &security.FormatError{Problems: []string{"not a JSON object: " + err.Error()}}
	}

	s, err := envelope()
	if err != nil {
		return fmt.Errorf("backup: failed to load schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &security.FormatError{Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &security.FormatError{Problems: problems}
	}

	version, _ := top["version"].(string)
	var problems []string
	switch classifyVersion(version) {
	case versionV1:
		problems = validateV1(top)
	case versionV2:
		problems = validateV2(top)
	default:
		return fmt.Errorf("%w: %w: %q", ErrUnsupportedVersion, security.ErrImportFormatInvalid, version)
	}
	if len(problems) > 0 {
		return &security.FormatError{Problems: problems}
	}
	return nil
}

func validateV2(top map[string]any) []string {
	var problems []string

	if at, _ := top["exportedAt"].(string); at != "" {
		if _, err := time.Parse(time.RFC3339Nano, at); err != nil {
			problems = append(problems, "exportedAt is not an RFC 3339 timestamp")
		}
	} else {
		problems = append(problems, "exportedAt is required")
	}

	if enc, _ := top["encrypted"].(bool); enc {
		if contents, _ := top["contents"].(map[string]any); len(contents) > 0 {
			problems = append(problems, "contents must be empty when encrypted is true")
		}
	}

	contents, _ := top["contents"].(map[string]any)
	for name, v := range contents {
		problems = append(problems, checkSection(SectionName(name), "contents."+name, v)...)
	}
	return problems
}

// checkSection runs the structural checks for one section body, plain or
// decrypted.
func checkSection(name SectionName, path string, v any) []string {
	switch name {
	case SectionSettings:
		return checkSettings(path, v)
	case SectionAPIKeys:
		return checkAPIKeys(path, v)
	case SectionChats:
		return checkConversations(path, v)
	case SectionWidgets:
		return checkWidgets(path, v)
	default:
		return []string{path + ": unknown section"}
	}
}

func validateV1(top map[string]any) []string {
	var problems []string

	if p, ok := top["preferences"]; ok {
		prefsObj, isObj := p.(map[string]any)
		if !isObj {
			problems = append(problems, "preferences must be an object")
		} else {
			if c, ok := prefsObj["conversations"]; ok {
				problems = append(problems, checkConversations("preferences.conversations", c)...)
			}
			if l, ok := prefsObj["quickLinks"]; ok {
				problems = append(problems, checkQuickLinks("preferences.quickLinks", l)...)
			}
		}
	}
	if k, ok := top["apiKeys"]; ok {
		problems = append(problems, checkAPIKeys("apiKeys", k)...)
	}
	if s, ok := top["shortcuts"]; ok {
		if _, isArr := s.([]any); !isArr {
			problems = append(problems, "shortcuts must be an array")
		}
	}
	if w, ok := top["weatherLocation"]; ok {
		problems = append(problems, checkWeather("weatherLocation", w)...)
	}
	return problems
}

func checkAPIKeys(path string, v any) []string {
	obj, ok := v.(map[string]any)
	if !ok {
		return []string{path + " must be an object"}
	}
	var problems []string
	for provider, value := range obj {
		if _, isStr := value.(string); !isStr {
			problems = append(problems, fmt.Sprintf("%s.%s must be a string", path, provider))
		}
	}
	return problems
}

func checkSettings(path string, v any) []string {
	obj, ok := v.(map[string]any)
	if !ok {
		return []string{path + " must be an object"}
	}
	var problems []string
	if s, ok := obj["shortcuts"]; ok && s != nil {
		if _, isArr := s.([]any); !isArr {
			problems = append(problems, path+".shortcuts must be an array")
		}
	}
	if l, ok := obj["quickLinks"]; ok && l != nil {
		problems = append(problems, checkQuickLinks(path+".quickLinks", l)...)
	}
	if w, ok := obj["weatherLocation"]; ok && w != nil {
		problems = append(problems, checkWeather(path+".weatherLocation", w)...)
	}
	return problems
}

func checkWeather(path string, v any) []string {
	obj, ok := v.(map[string]any)
	if !ok {
		return []string{path + " must be an object"}
	}
	var problems []string
	for _, field := range []string{"lat", "lon"} {
		if _, isNum := obj[field].(float64); !isNum {
			problems = append(problems, fmt.Sprintf("%s.%s must be a number", path, field))
		}
	}
	return problems
}

func checkQuickLinks(path string, v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return []string{path + " must be an array"}
	}
	var problems []string
	for i, item := range arr {
		obj, isObj := item.(map[string]any)
		if !isObj {
			problems = append(problems, fmt.Sprintf("%s[%d] must be an object", path, i))
			continue
		}
		if id, _ := obj["id"].(string); id == "" {
			problems = append(problems, fmt.Sprintf("%s[%d].id is required", path, i))
		}
	}
	return problems
}

func checkConversations(path string, v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return []string{path + " must be an array"}
	}
	var problems []string
	for i, item := range arr {
		obj, isObj := item.(map[string]any)
		if !isObj {
			problems = append(problems, fmt.Sprintf("%s[%d] must be an object", path, i))
			continue
		}
		for _, field := range []string{"id", "title", "model"} {
			if _, isStr := obj[field].(string); !isStr {
				problems = append(problems, fmt.Sprintf("%s[%d].%s must be a string", path, i, field))
			}
		}
		if _, isArr := obj["messages"].([]any); !isArr {
			problems = append(problems, fmt.Sprintf("%s[%d].messages must be an array", path, i))
		}
	}
	return problems
}

func checkWidgets(path string, v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return []string{path + " must be an array"}
	}
	var problems []string
	for i, item := range arr {
		obj, isObj := item.(map[string]any)
		if !isObj {
			problems = append(problems, fmt.Sprintf("%s[%d] must be an object", path, i))
			continue
		}
		for _, field := range []string{"id", "type"} {
			if s, _ := obj[field].(string); s == "" {
				problems = append(problems, fmt.Sprintf("%s[%d].%s is required", path, i, field))
			}
		}
	}
	return problems
}
