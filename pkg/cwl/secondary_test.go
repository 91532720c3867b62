package cwl

import "testing"

func TestSecondaryRef(t *testing.T) {
	tests := []struct {
		primary string
		pattern string
		want    string
	}{
		{"sample.vcf.gz", "^.tbi", "sample.vcf.tbi"},
		{"align.bam", "^.bai", "align.bai"},
		{"align.bam", ".bai", "align.bam.bai"},
		{"s3://b/sample.vcf.gz", "^^.idx", "s3://b/sample.idx"},
		{"ref.fa", "^^^.dict", "ref.dict"},
		{"s3://bucket.v2/noext", "^.idx", "s3://bucket.v2/noext.idx"},
		{"https://h/a/reads.fq", ".md5", "https://h/a/reads.fq.md5"},
	}
	for _, tt := range tests {
		if got := SecondaryRef(tt.primary, tt.pattern); got != tt.want {
			t.Errorf("SecondaryRef(%q, %q) = %q, want %q", tt.primary, tt.pattern, got, tt.want)
		}
	}
}

func TestSecondaryRef_CaretCountMatchesStrips(t *testing.T) {
	primary := "s3://b/x.a.b.c.d"
	for n := 0; n <= 4; n++ {
		pattern := ""
		want := primary
		for i := 0; i < n; i++ {
			pattern += "^"
			want = StripExtension(want)
		}
		pattern += ".s"
		want += ".s"
		if got := SecondaryRef(primary, pattern); got != want {
			t.Errorf("n=%d: SecondaryRef = %q, want %q", n, got, want)
		}
	}
}

func TestMutateSecondaryFileName(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		original string
		renamed  string
		want     string
	}{
		{"append index", "final.bam", "out.bam", "out.bam.bai", "final.bam.bai"},
		{"replace extension", "final.bam", "out.bam", "out.bai", "final.bai"},
		{"sorted infix", "sample.bam", "sample.bam", "sample.sorted.bam", "sample.sorted.bam"},
		{"last occurrence wins", "bam.bam", "x.bam", "x.bai", "bam.bai"},
		{"vcf index", "calls.vcf.gz", "o.vcf.gz", "o.vcf.gz.tbi", "calls.vcf.gz.tbi"},
		{"fallback strips extension", "report.txt", "a.json", "a.yaml", "report.yaml"},
		{"fallback with dotted suffix", "result.out", "x1", "x2.idx", "result.2.idx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MutateSecondaryFileName(tt.target, tt.original, tt.renamed)
			if got != tt.want {
				t.Errorf("MutateSecondaryFileName(%q, %q, %q) = %q, want %q",
					tt.target, tt.original, tt.renamed, got, tt.want)
			}
		})
	}
}

func TestMutateSecondaryFileName_Identity(t *testing.T) {
	targets := []string{"a.bam", "", "x", "dir.v1/file.tar.gz", "ünïcode.txt"}
	names := []string{"out.bam", "", "sample.sorted.bam", "ü.txt"}
	for _, target := range targets {
		for _, name := range names {
			if got := MutateSecondaryFileName(target, name, name); got != target {
				t.Errorf("MutateSecondaryFileName(%q, %q, %q) = %q, want target unchanged", target, name, name, got)
			}
		}
	}
}

func TestCommonPrefix_RuneBoundary(t *testing.T) {
	// "é" and "è" share their first UTF-8 byte.
	if got := commonPrefix("aé", "aè"); got != "a" {
		t.Errorf("commonPrefix = %q, want %q", got, "a")
	}
}

func TestSecondaryFileSchema_IsOptional(t *testing.T) {
	tests := []struct {
		schema SecondaryFileSchema
		want   bool
	}{
		{SecondaryFileSchema{Pattern: ".bai"}, false},
		{SecondaryFileSchema{Pattern: ".bai?"}, true},
		{SecondaryFileSchema{Pattern: ".bai", Required: false}, true},
		{SecondaryFileSchema{Pattern: ".bai", Required: true}, false},
	}
	for _, tt := range tests {
		if got := tt.schema.IsOptional(); got != tt.want {
			t.Errorf("%+v.IsOptional() = %v, want %v", tt.schema, got, tt.want)
		}
	}
	if got := (SecondaryFileSchema{Pattern: "^.bai?"}).Suffix(); got != "^.bai" {
		t.Errorf("Suffix() = %q, want ^.bai", got)
	}
}

func TestParseSecondaryFiles(t *testing.T) {
	got := ParseSecondaryFiles([]any{".bai", map[string]any{"pattern": "^.crai", "required": false}})
	if len(got) != 2 {
		t.Fatalf("got %d schemas, want 2", len(got))
	}
	if got[0].Pattern != ".bai" || got[1].Pattern != "^.crai" || !got[1].IsOptional() {
		t.Errorf("ParseSecondaryFiles = %+v", got)
	}
	if single := ParseSecondaryFiles(".tbi"); len(single) != 1 || single[0].Pattern != ".tbi" {
		t.Errorf("ParseSecondaryFiles(string) = %+v", single)
	}
	if ParseSecondaryFiles(nil) != nil {
		t.Error("ParseSecondaryFiles(nil) should be nil")
	}
}
