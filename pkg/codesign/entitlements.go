package codesign

import (
	"encoding/asn1"
	"fmt"
	"os"
	"sort"

	"howett.net/plist"
)

// Entitlements is a parsed entitlements plist
type Entitlements map[string]interface{}

// LoadEntitlements reads and parses an entitlements plist from disk
func LoadEntitlements(path string) (Entitlements, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entitlements: %w", err)
	}
	ents, err := ParseEntitlementsXML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ents, nil
}

// ParseEntitlementsXML parses plist entitlements (XML, binary or OpenStep)
func ParseEntitlementsXML(data []byte) (Entitlements, error) {
	var ents map[string]interface{}
	if _, err := plist.Unmarshal(data, &ents); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements plist: %w", err)
	}
	if ents == nil {
		ents = make(map[string]interface{})
	}
	return ents, nil
}

// XML re-encodes the entitlements as an XML plist
func (e Entitlements) XML() ([]byte, error) {
	data, err := plist.MarshalIndent(map[string]interface{}(e), plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// DER encodes the entitlements in Apple's plist-to-DER form:
//
//	[APPLICATION 16] { INTEGER 1, dict }
//	dict:   [16] { SEQUENCE { UTF8String key, value }... }
//	array:  SEQUENCE { value... }
//
// Booleans, integers and strings map to their ASN.1 universal types.
func (e Entitlements) DER() ([]byte, error) {
	dict, err := derDict(e)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}
	return derWrap(0x70, append(version, dict...)), nil
}

// derDict emits key-value SEQUENCEs sorted by key, directly inside the
// context tag with no outer SEQUENCE
func derDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, key := range keys {
		value, err := derValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("entitlement %s: %w", key, err)
		}
		pair := append(derWrap(0x0c, []byte(key)), value...)
		pairs = append(pairs, derWrap(0x30, pair)...)
	}
	return derWrap(0xb0, pairs), nil
}

func derValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return derWrap(0x0c, []byte(val)), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var items []byte
		for _, item := range val {
			b, err := derValue(item)
			if err != nil {
				return nil, err
			}
			items = append(items, b...)
		}
		return derWrap(0x30, items), nil
	case map[string]interface{}:
		return derDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type: %T", v)
	}
}

// derWrap prefixes content with tag and a DER length
func derWrap(tag byte, content []byte) []byte {
	n := len(content)
	if n < 0x80 {
		return append([]byte{tag, byte(n)}, content...)
	}

	var length []byte
	for l := n; l > 0; l >>= 8 {
		length = append([]byte{byte(l)}, length...)
	}
	out := make([]byte, 0, 2+len(length)+n)
	out = append(out, tag, 0x80|byte(len(length)))
	out = append(out, length...)
	return append(out, content...)
}
