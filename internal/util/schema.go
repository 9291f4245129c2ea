package util

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CleanToolSchema strips JSON-schema keywords the Gemini API rejects from a
// function parameter schema: every "additionalProperties" and "$schema" key
// at any depth, and the "uri" string format.
func CleanToolSchema(raw string) string {
	var pathsToDelete []string
	root := gjson.Parse(raw)
	collectKeyPaths(root, "", "additionalProperties", &pathsToDelete)
	collectKeyPaths(root, "", "$schema", &pathsToDelete)
	for _, p := range pathsToDelete {
		if cleaned, err := sjson.Delete(raw, p); err == nil {
			raw = cleaned
		}
	}
	return strings.ReplaceAll(raw, `"format":"uri",`, "")
}

func collectKeyPaths(value gjson.Result, path, field string, pathsToDelete *[]string) {
	if value.Type != gjson.JSON {
		return
	}
	value.ForEach(func(key, val gjson.Result) bool {
		childPath := key.String()
		if path != "" {
			childPath = path + "." + childPath
		}
		if key.String() == field {
			*pathsToDelete = append(*pathsToDelete, childPath)
		}
		collectKeyPaths(val, childPath, field, pathsToDelete)
		return true
	})
}
