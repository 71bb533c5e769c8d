package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Catalog is the JSON document the registry is loaded from at startup.
type Catalog struct {
	Platforms map[string]CatalogPlatform `json:"platforms"`
}

// CatalogPlatform describes one platform entry in the catalog.
type CatalogPlatform struct {
	Local bool                   `json:"local"`
	Verbs map[string]CatalogVerb `json:"verbs"`
}

// CatalogVerb holds the verb's JSON schema document. An empty schema accepts
// any well-shaped request.
type CatalogVerb struct {
	Schema json.RawMessage `json:"schema"`
}

// LoadCatalog reads a catalog document and builds a registry from it. Local
// handler functions cannot be expressed in JSON; they are attached afterwards
// with AddVerb.
func LoadCatalog(r io.Reader) (*Registry, error) {
	var cat Catalog
	if err := json.NewDecoder(r).Decode(&cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	reg := NewRegistry()
	for name, cp := range cat.Platforms {
		reg.AddPlatform(name, cp.Local)
		for verb, cv := range cp.Verbs {
			if err := reg.AddVerb(name, verb, cv.Schema, nil); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}
