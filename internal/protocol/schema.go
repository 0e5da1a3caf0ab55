package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://umd.ai/schemas/"

var (
	schemasOnce sync.Once
	schemasErr  error
	helloSchema *jsonschema.Schema
	actSchema   *jsonschema.Schema
)

func loadSchemas() error {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		for _, name := range []string{"hello.schema.json", "act.schema.json"} {
			b, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(b)); err != nil {
				schemasErr = fmt.Errorf("%s: %w", name, err)
				return
			}
		}
		if helloSchema, schemasErr = c.Compile(schemaBaseURL + "hello.schema.json"); schemasErr != nil {
			return
		}
		actSchema, schemasErr = c.Compile(schemaBaseURL + "act.schema.json")
	})
	return schemasErr
}

// ValidateHello checks raw against the HELLO schema.
func ValidateHello(raw []byte) error { return validate(raw, func() *jsonschema.Schema { return helloSchema }) }

// ValidateAct checks raw against the ACT schema.
func ValidateAct(raw []byte) error { return validate(raw, func() *jsonschema.Schema { return actSchema }) }

func validate(raw []byte, schema func() *jsonschema.Schema) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("invalid character after top-level value")
	}
	return schema().Validate(v)
}
