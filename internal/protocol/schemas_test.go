package protocol_test

import (
	"encoding/json"
	"testing"

	"sophon.space/internal/persistence/chunkstore"
	"sophon.space/internal/protocol"
	"sophon.space/internal/sim/geom"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(name, raw string) {
		t.Helper()
		if err := protocol.Validate(name, []byte(raw)); err != nil {
			t.Fatalf("validate %s: %v", name, err)
		}
	}
	reject := func(name, raw string) {
		t.Helper()
		if err := protocol.Validate(name, []byte(raw)); err == nil {
			t.Fatalf("expected %s to reject %s", name, raw)
		}
	}

	validate(protocol.SchemaHello, `{"type":"HELLO","protocol_version":"1.0","client_name":"viewer"}`)
	reject(protocol.SchemaHello, `{"type":"HELLO"}`)
	reject(protocol.SchemaHello, `{"type":"RADIUS","protocol_version":"1.0"}`)

	validate(protocol.SchemaRadius, `{"type":"RADIUS","protocol_version":"1.0","radius":60000}`)
	reject(protocol.SchemaRadius, `{"type":"RADIUS","protocol_version":"1.0","radius":0}`)
	reject(protocol.SchemaRadius, `{"type":"RADIUS","protocol_version":"1.0","radius":1.5}`)

	validate(protocol.SchemaMap, `[]`)
	validate(protocol.SchemaMap, `[{
	  "chunkFootprint":{"bottomLeft":{"x":-256,"y":0},"sideLength":256},
	  "planetLocations":[{"coords":{"x":-200,"y":17},"hash":"00000a1b2c3d4e5f00000a1b2c3d4e5f00000a1b2c3d4e5f00000a1b2c3d4e5f","perlin":15}],
	  "perlin":14.5
	}]`)
	reject(protocol.SchemaMap, `[{"chunkFootprint":{"bottomLeft":{"x":0,"y":0},"sideLength":0},"planetLocations":[]}]`)
	reject(protocol.SchemaMap, `[{"chunkFootprint":{"bottomLeft":{"x":0,"y":0},"sideLength":16},"planetLocations":[{"coords":{"x":1,"y":1},"hash":"xyz"}]}]`)
	reject(protocol.SchemaMap, `{"chunks":[]}`)
}

func TestSchemas_MapAcceptsEncodedChunks(t *testing.T) {
	chunks := []chunkstore.ExploredChunk{{
		ChunkFootprint: geom.ChunkFootprint{BottomLeft: geom.Coords{X: 16, Y: -32}, SideLength: 16},
		PlanetLocations: []chunkstore.Planet{{
			Coords: geom.Coords{X: 20, Y: -20},
			Hash:   "0000000000000000000000000000000000000000000000000000000000000abc",
			Perlin: 16,
		}},
		Perlin: 16,
	}}
	b, err := json.Marshal(chunks)
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.Validate(protocol.SchemaMap, b); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateInbound(t *testing.T) {
	base, err := protocol.ValidateInbound([]byte(`{"type":"RADIUS","protocol_version":"1.0","radius":5}`))
	if err != nil || base.Type != protocol.TypeRadius {
		t.Fatalf("base=%+v err=%v", base, err)
	}
	if _, err := protocol.ValidateInbound([]byte(`{"type":"CHUNK","protocol_version":"1.0"}`)); err == nil {
		t.Fatalf("expected server-only type rejected")
	}
	if _, err := protocol.ValidateInbound([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed frame rejected")
	}
	if err := protocol.Validate("nope.schema.json", []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown schema rejected")
	}
}
