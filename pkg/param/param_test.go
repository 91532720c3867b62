package param

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/me/gowe-launcher/pkg/model"
)

func TestDecode_RecognisesFileRefs(t *testing.T) {
	doc, err := Decode([]byte(`
reads:
  class: File
  path: s3://b/reads.fq
ref_dir:
  class: Directory
  location: https://example.com/ref/
bare:
  location: /data/x.txt
threads: 4
`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	tests := []struct {
		id    string
		ref   string
		isDir bool
	}{
		{"reads", "s3://b/reads.fq", false},
		{"ref_dir", "https://example.com/ref/", true},
		{"bare", "/data/x.txt", false},
	}
	for _, tt := range tests {
		f, ok := doc[tt.id].(*FileRef)
		if !ok {
			t.Errorf("%s: got %T, want *FileRef", tt.id, doc[tt.id])
			continue
		}
		if f.Ref() != tt.ref {
			t.Errorf("%s: Ref() = %q, want %q", tt.id, f.Ref(), tt.ref)
		}
		if f.IsDirectory() != tt.isDir {
			t.Errorf("%s: IsDirectory() = %v, want %v", tt.id, f.IsDirectory(), tt.isDir)
		}
	}

	if s, ok := doc["threads"].(Scalar); !ok || s.V != 4 {
		t.Errorf("threads = %#v, want Scalar{4}", doc["threads"])
	}
}

func TestDecode_OpaqueAndLists(t *testing.T) {
	doc, err := Decode([]byte(`{
  "record": {"name": "x", "count": 2},
  "files": [{"class": "File", "path": "a.txt"}, {"class": "File", "path": "b.txt"}],
  "nested": [[{"path": "c.txt"}], [{"path": "d.txt"}]],
  "words": ["a", "b"]
}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if _, ok := doc["record"].(Opaque); !ok {
		t.Errorf("record: got %T, want Opaque", doc["record"])
	}
	files, ok := doc["files"].(List)
	if !ok || len(files) != 2 {
		t.Fatalf("files: got %#v, want 2-element List", doc["files"])
	}
	if f := files[1].(*FileRef); f.Path != "b.txt" {
		t.Errorf("files[1].Path = %q, want b.txt", f.Path)
	}
	nested := doc["nested"].(List)
	inner, ok := nested[1].(List)
	if !ok {
		t.Fatalf("nested[1]: got %T, want List", nested[1])
	}
	if f := inner[0].(*FileRef); f.Path != "d.txt" {
		t.Errorf("nested[1][0].Path = %q, want d.txt", f.Path)
	}
	words := doc["words"].(List)
	if s := words[0].(Scalar); s.V != "a" {
		t.Errorf("words[0] = %v, want a", s.V)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid yaml", "reads: [unclosed"},
		{"top-level list", "- a\n- b\n"},
		{"top-level scalar", "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if !errors.Is(err, model.ErrMalformedDocument) {
				t.Errorf("err = %v, want ErrMalformedDocument", err)
			}
		})
	}
}

func TestParse_UnrecognizedShape(t *testing.T) {
	_, err := Parse(map[string]any{"x": []any{struct{}{}}})
	if err != nil {
		t.Fatalf("map without file shape should be opaque, got %v", err)
	}
	_, err = Parse([]any{make(chan int)})
	if !errors.Is(err, model.ErrUnrecognizedValueShape) {
		t.Errorf("err = %v, want ErrUnrecognizedValueShape", err)
	}
}

func TestFileRef_Secondaries(t *testing.T) {
	v, err := Parse(map[string]any{
		"class": "File",
		"path":  "align.bam",
		"secondaryFiles": []any{
			map[string]any{"class": "File", "path": "align.bam.bai"},
			"not-a-file",
		},
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f := v.(*FileRef)
	if len(f.SecondaryFiles) != 2 {
		t.Fatalf("SecondaryFiles = %d entries, want 2", len(f.SecondaryFiles))
	}
	secs := f.Secondaries()
	if len(secs) != 1 || secs[0].Path != "align.bam.bai" {
		t.Errorf("Secondaries() = %#v, want [align.bam.bai]", secs)
	}
}

func TestFileRef_DecodedMetadata(t *testing.T) {
	blob := base64.StdEncoding.EncodeToString([]byte(`{"owner":"lab"}`))
	v, _ := Parse(map[string]any{"path": "x", "metadata": blob})
	got, err := v.(*FileRef).DecodedMetadata()
	if err != nil {
		t.Fatalf("DecodedMetadata: %v", err)
	}
	if got != `{"owner":"lab"}` {
		t.Errorf("DecodedMetadata() = %q", got)
	}

	bad, _ := Parse(map[string]any{"path": "x", "metadata": "%%%"})
	if _, err := bad.(*FileRef).DecodedMetadata(); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestFileRef_Basename(t *testing.T) {
	tests := []struct {
		raw  map[string]any
		want string
	}{
		{map[string]any{"path": "s3://b/reads.fq"}, "reads.fq"},
		{map[string]any{"location": "https://h/dir/"}, "dir"},
		{map[string]any{"path": "/x/y.txt", "basename": "z.txt"}, "z.txt"},
		{map[string]any{"location": "https://h/data/a.bam?sig=abc"}, "a.bam"},
		{map[string]any{"location": "https://h/data/a.bam#frag"}, "a.bam"},
		{map[string]any{"path": ""}, ""},
	}
	for _, tt := range tests {
		v, _ := Parse(tt.raw)
		if got := v.(*FileRef).Basename(); got != tt.want {
			t.Errorf("Basename(%v) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	src := `{
  "reads": {"class": "File", "path": "s3://b/reads.fq", "format": "edam:1930", "size": 12,
            "secondaryFiles": [{"class": "File", "location": "s3://b/reads.fq.idx"}, "odd"],
            "metadata": "e30="},
  "empty_path": {"class": "File", "path": ""},
  "record": {"a": [1, 2, {"b": null}]},
  "nums": [1, 2.5, true, null, "s"],
  "flag": false
}`
	doc, err := Decode([]byte(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var want map[string]any
	if err := json.Unmarshal([]byte(src), &want); err != nil {
		t.Fatal(err)
	}
	gotJSON, err := doc.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(gotJSON, &got); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch\n got: %v\nwant: %v", got, want)
	}
}

func TestDecode_JSONNumbersKeepTheirLiterals(t *testing.T) {
	src := `{"n": 1.0, "big": 12345678901234567890123, "f": 0.1000000000000000055511151231257827, "neg": -0e5, "list": [1e400, 7]}`
	doc, err := Decode([]byte(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s, ok := doc["big"].(Scalar); !ok || s.V != json.Number("12345678901234567890123") {
		t.Errorf("big = %#v, want json.Number literal", doc["big"])
	}

	data, err := doc.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	for _, lit := range []string{
		`"n": 1.0`,
		`"big": 12345678901234567890123`,
		`"f": 0.1000000000000000055511151231257827`,
		`"neg": -0e5`,
		`1e400`,
	} {
		if !strings.Contains(string(data), lit) {
			t.Errorf("encoded document lost %s:\n%s", lit, data)
		}
	}
}

func TestMarshalJSON_NoHTMLEscape(t *testing.T) {
	doc := Document{"u": Scalar{V: "https://h/x?a=1&b=<2>"}}
	data, err := doc.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := "{\n  \"u\": \"https://h/x?a=1&b=<2>\"\n}"
	if string(data) != want {
		t.Errorf("MarshalJSON() = %s, want %s", data, want)
	}
}

func TestFileRef_CloneIsIndependent(t *testing.T) {
	v, _ := Parse(map[string]any{
		"path":           "a",
		"format":         "x",
		"secondaryFiles": []any{map[string]any{"path": "a.idx"}},
	})
	orig := v.(*FileRef)
	c := orig.Clone()
	c.Path = "b"
	c.Extra["format"] = "y"
	c.SecondaryFiles[0] = Scalar{V: "z"}

	if orig.Path != "a" || orig.Extra["format"] != "x" {
		t.Errorf("original mutated: %#v", orig)
	}
	if _, ok := orig.SecondaryFiles[0].(*FileRef); !ok {
		t.Error("original secondaryFiles mutated")
	}
}
