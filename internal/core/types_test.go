package core

import (
	"encoding/json"
	"testing"
)

func TestSequenceRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		query string
	}{
		{"number", `12345`, "12345"},
		{"string", `"12345-g1AAAA"`, "12345-g1AAAA"},
		{"null", `null`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Cursor
			if err := json.Unmarshal([]byte(`{"sequenceToken":`+tt.raw+`}`), &c); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if got := c.Seq.QueryValue(); got != tt.query {
				t.Errorf("QueryValue = %q, want %q", got, tt.query)
			}
			out, err := json.Marshal(c)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if want := `{"sequenceToken":` + tt.raw + `}`; string(out) != want {
				t.Errorf("Marshal = %s, want %s", out, want)
			}
		})
	}
}

func TestFindingKey(t *testing.T) {
	f := Finding{PackageName: "@scope/pkg", Version: "1.0.0", ScriptType: "postinstall"}
	if f.Key() != "@scope/pkg@1.0.0#postinstall" {
		t.Errorf("Key = %q", f.Key())
	}
	a := Finding{PackageName: "@scope/pkg", Version: "1.0.0", ScriptType: "preinstall"}
	if a.Key() == f.Key() {
		t.Error("different scripts must have different keys")
	}
}

func TestVersionDocScript(t *testing.T) {
	var empty VersionDoc
	if empty.Script("postinstall") != "" {
		t.Error("nil scripts should read as empty")
	}
	doc := VersionDoc{Scripts: map[string]string{"postinstall": "node x.js"}}
	if doc.Script("postinstall") != "node x.js" {
		t.Errorf("Script = %q", doc.Script("postinstall"))
	}
}
