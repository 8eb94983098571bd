package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Each decoder fills doc and reports the mcpServers keys in document
// order. Registration order (and therefore collision resolution)
// follows declaration order, so it must survive decoding into a map.

func decodeYAML(data []byte, doc *document) ([]string, error) {
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, nil
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level must be a mapping")
	}
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value != "mcpServers" {
			continue
		}
		servers := top.Content[i+1]
		if servers.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("mcpServers must be a mapping")
		}
		var order []string
		for j := 0; j+1 < len(servers.Content); j += 2 {
			order = append(order, servers.Content[j].Value)
		}
		return order, nil
	}
	return nil, nil
}

func decodeTOML(data []byte, doc *document) ([]string, error) {
	md, err := toml.Decode(string(data), doc)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == "mcpServers" {
			order = append(order, key[1])
		}
	}
	return order, nil
}

// jsonObjectKeys returns the top-level keys of a JSON object in order.
func jsonObjectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		if tok == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("mcpServers must be an object")
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in mcpServers", tok)
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
