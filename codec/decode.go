package codec

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Map returns the headers as a map keyed by lower-cased name. Later
// headers overwrite earlier ones and bare flags map to "".
func (h *HeaderSet) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(h.headers))
	for _, hdr := range h.headers {
		m[strings.ToLower(hdr.Name)] = string(hdr.Value)
	}
	return m
}

// Decode fills the struct pointed to by v from the headers. Fields are
// matched by their `header` tag or, failing that, case-insensitively by
// name. Values are converted with the same rules as the typed getters:
// booleans accept 1/true/yes, []byte fields are hex decoded and []string
// fields are split on unescaped commas.
func (h *HeaderSet) Decode(v interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "header",
		WeaklyTypedInput: true,
		Result:           v,
		DecodeHook:       decodeHook,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(h.Map()); err != nil {
		return fmt.Errorf("codec: decode %q: %w", h.Type, err)
	}
	return nil
}

var (
	bytesType   = reflect.TypeOf([]byte(nil))
	stringsType = reflect.TypeOf([]string(nil))
)

func decodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s := data.(string)
	switch {
	case to == bytesType:
		return hex.DecodeString(s)
	case to == stringsType:
		return splitStrings(s), nil
	case to.Kind() == reflect.Bool:
		if s == "" {
			return true, nil
		}
		if b, ok := parseBool(s); ok {
			return b, nil
		}
	}
	return data, nil
}
