package config

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Custom: {
	field1: string
	field2: int
}
`
	if err := sr.RegisterSchema("custom", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if got := sr.ListSchemas(); len(got) != 2 || got[0] != "custom" || got[1] != SettingsSchema {
		t.Errorf("unexpected schemas: %v", got)
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", `#Broken: {`); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", `#Other: {}`); err == nil {
		t.Error("expected error for missing definition")
	}
	if err := sr.RegisterSchema("", `#X: {}`); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestSchemaRegistry_ValidateSettings(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr string
	}{
		{
			name: "valid",
			data: map[string]interface{}{
				"env": "production",
				"aws": map[string]interface{}{"region": "eu-central-1", "instance_type": "t3.small"},
				"api": map[string]interface{}{"retries": 3, "retry_delay": "1500ms"},
			},
		},
		{
			name: "unknown key",
			data: map[string]interface{}{"regoin": "eu-central-1"},
			wantErr: "regoin",
		},
		{
			name: "bad region",
			data: map[string]interface{}{
				"aws": map[string]interface{}{"region": "Frankfurt"},
			},
			wantErr: "aws.region",
		},
		{
			name: "bad duration",
			data: map[string]interface{}{
				"api": map[string]interface{}{"timeout": "soon"},
			},
			wantErr: "api.timeout",
		},
		{
			name: "too many retries",
			data: map[string]interface{}{
				"api": map[string]interface{}{"retries": 50},
			},
			wantErr: "api.retries",
		},
		{
			name: "port out of range",
			data: map[string]interface{}{
				"ssh": map[string]interface{}{"port": 70000},
			},
			wantErr: "ssh.port",
		},
		{
			name: "empty ami allowed",
			data: map[string]interface{}{
				"aws": map[string]interface{}{"ami": ""},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, SettingsSchema, tt.data)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", map[string]interface{}{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}
