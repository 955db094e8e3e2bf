//go:build jsonv2

package recorder

import (
	"encoding/json/jsontext"
	jsonv2 "encoding/json/v2"
)

func jsonMarshal(value any) ([]byte, error) {
	return jsonv2.Marshal(value, jsontext.EscapeForHTML(false), jsontext.AllowInvalidUTF8(true))
}
