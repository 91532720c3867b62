package provision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/me/gowe-launcher/internal/transfer"
	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
	"github.com/me/gowe-launcher/pkg/param"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransferer records stages and fails for refs listed in fail.
type fakeTransferer struct {
	mu     sync.Mutex
	staged map[string]string // remote → local
	fail   map[string]bool
}

func newFakeTransferer(fail ...string) *fakeTransferer {
	f := &fakeTransferer{staged: map[string]string{}, fail: map[string]bool{}}
	for _, r := range fail {
		f.fail[r] = true
	}
	return f
}

func (f *fakeTransferer) Stage(_ context.Context, info *model.FileStageInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[info.RemoteRef] {
		return errors.New("not found")
	}
	f.staged[info.RemoteRef] = info.LocalPath
	return nil
}

func (f *fakeTransferer) Upload(context.Context, string, *model.FileStageInfo) error {
	return nil
}

func newTestProvisioner(t transfer.Transferer) *InputProvisioner {
	return NewInputProvisioner(t, transfer.NewPool(4, 0, quietLogger()), nil, quietLogger())
}

func newTestContext(t *testing.T) *LaunchContext {
	t.Helper()
	lc, err := NewLaunchContext(t.TempDir())
	if err != nil {
		t.Fatalf("NewLaunchContext: %v", err)
	}
	return lc
}

func mustDecode(t *testing.T, s string) param.Document {
	t.Helper()
	doc, err := param.Decode([]byte(s))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return doc
}

func TestNewLaunchContext_Layout(t *testing.T) {
	root := t.TempDir()
	lc, err := NewLaunchContext(root)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(lc.ID, "launcher-") {
		t.Errorf("ID = %q, want launcher- prefix", lc.ID)
	}
	if filepath.Dir(lc.Root) != root {
		t.Errorf("Root = %q, want child of %q", lc.Root, root)
	}
	for _, d := range []string{lc.WorkingDir, lc.InputsDir, lc.OutputsDir, lc.TmpDir} {
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			t.Errorf("missing directory %s", d)
		}
	}
	if lc.ParamsPath() != filepath.Join(lc.Root, "workflow_params.json") {
		t.Errorf("ParamsPath = %q", lc.ParamsPath())
	}

	other, err := NewLaunchContext(root)
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == lc.ID {
		t.Error("two launches share an ID")
	}
}

func TestProvisionMap_WriteOnce(t *testing.T) {
	m := NewProvisionMap()
	first := &model.FileStageInfo{LocalPath: "/a"}
	if !m.Put("reads", first) {
		t.Fatal("first Put returned false")
	}
	if m.Put("reads", &model.FileStageInfo{LocalPath: "/b"}) {
		t.Error("second Put returned true")
	}
	got, _ := m.Get("reads")
	if got != first {
		t.Error("second Put replaced the entry")
	}
	m.Put(ElementKey("reads", "s3://b/x"), &model.FileStageInfo{})
	if keys := m.Keys(); len(keys) != 2 || keys[0] != "reads" || keys[1] != "reads:s3://b/x" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestProvision_ScenarioA(t *testing.T) {
	lc := newTestContext(t)
	ft := newFakeTransferer()
	doc := mustDecode(t, `{"reads": {"class": "File", "path": "s3://b/reads.fq"}, "threads": 4}`)

	_, err := newTestProvisioner(ft).Provision(context.Background(), lc, []cwl.Param{{ID: "reads"}, {ID: "threads"}}, doc)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if lc.Inputs.Len() != 1 {
		t.Fatalf("Inputs.Len() = %d, want 1", lc.Inputs.Len())
	}
	info, ok := lc.Inputs.Get("reads")
	if !ok {
		t.Fatal("reads not provisioned")
	}
	if info.RemoteRef != "s3://b/reads.fq" {
		t.Errorf("RemoteRef = %q", info.RemoteRef)
	}
	if filepath.Base(info.LocalPath) != "reads.fq" || !strings.HasPrefix(info.LocalPath, lc.InputsDir+string(filepath.Separator)) {
		t.Errorf("LocalPath = %q, want inputs/<uuid>/reads.fq", info.LocalPath)
	}
	if ft.staged["s3://b/reads.fq"] != info.LocalPath {
		t.Errorf("staged = %v", ft.staged)
	}

	rewritten := Rewrite(doc, lc.Inputs, lc.Outputs)
	if got := rewritten["reads"].(*param.FileRef).Path; got != info.LocalPath {
		t.Errorf("rewritten reads.path = %q, want %q", got, info.LocalPath)
	}
}

func TestProvision_ScenarioB_CaretPattern(t *testing.T) {
	lc := newTestContext(t)
	ft := newFakeTransferer()
	doc := mustDecode(t, `{"bam": {"class": "File", "location": "s3://b/align.bam"}}`)
	inputs := []cwl.Param{{ID: "bam", SecondaryFiles: []cwl.SecondaryFileSchema{{Pattern: "^.bai"}}}}

	if _, err := newTestProvisioner(ft).Provision(context.Background(), lc, inputs, doc); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	primary, _ := lc.Inputs.Get("bam")
	sec, ok := lc.Inputs.Get(ElementKey("bam", "s3://b/align.bai"))
	if !ok {
		t.Fatalf("secondary not provisioned, keys = %v", lc.Inputs.Keys())
	}
	if sec.RemoteRef != "s3://b/align.bai" {
		t.Errorf("secondary RemoteRef = %q", sec.RemoteRef)
	}
	if filepath.Dir(sec.LocalPath) != filepath.Dir(primary.LocalPath) || filepath.Base(sec.LocalPath) != "align.bai" {
		t.Errorf("secondary LocalPath = %q, primary %q", sec.LocalPath, primary.LocalPath)
	}
}

func TestProvision_ExpressionPattern(t *testing.T) {
	lc := newTestContext(t)
	ft := newFakeTransferer()
	doc := mustDecode(t, `{"ref": {"class": "File", "path": "s3://b/genome.fa"}}`)
	inputs := []cwl.Param{{ID: "ref", SecondaryFiles: []cwl.SecondaryFileSchema{{Pattern: "$(self.nameroot).dict"}}}}

	if _, err := newTestProvisioner(ft).Provision(context.Background(), lc, inputs, doc); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, ok := lc.Inputs.Get(ElementKey("ref", "s3://b/genome.dict")); !ok {
		t.Errorf("expression secondary missing, keys = %v", lc.Inputs.Keys())
	}
}

func TestProvision_ListsAndNestedLists(t *testing.T) {
	lc := newTestContext(t)
	ft := newFakeTransferer()
	doc := mustDecode(t, `{
		"samples": [
			{"class": "File", "path": "s3://b/a.fq"},
			{"class": "File", "path": "s3://b/b.fq"}
		],
		"pairs": [[{"class": "File", "path": "s3://b/r1.fq"}], [{"class": "File", "path": "s3://b/r2.fq"}]]
	}`)

	_, err := newTestProvisioner(ft).Provision(context.Background(), lc, []cwl.Param{{ID: "samples"}, {ID: "pairs"}}, doc)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	want := []string{"pairs:s3://b/r1.fq", "pairs:s3://b/r2.fq", "samples:s3://b/a.fq", "samples:s3://b/b.fq"}
	keys := lc.Inputs.Keys()
	sort.Strings(keys)
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("Keys = %v, want %v", keys, want)
	}

	a, _ := lc.Inputs.Get("samples:s3://b/a.fq")
	b, _ := lc.Inputs.Get("samples:s3://b/b.fq")
	if filepath.Dir(a.LocalPath) == filepath.Dir(b.LocalPath) {
		t.Error("array elements share a staging directory")
	}

	rewritten := Rewrite(doc, lc.Inputs, lc.Outputs)
	samples := rewritten["samples"].(param.List)
	if samples[1].(*param.FileRef).Path != b.LocalPath {
		t.Errorf("samples[1] not rewritten: %+v", samples[1])
	}
	r2, _ := lc.Inputs.Get("pairs:s3://b/r2.fq")
	inner := rewritten["pairs"].(param.List)[1].(param.List)
	if inner[0].(*param.FileRef).Path != r2.LocalPath {
		t.Errorf("nested element not rewritten: %+v", inner[0])
	}
}

func TestProvision_MissingAndNonFileInputsSkipped(t *testing.T) {
	lc := newTestContext(t)
	doc := mustDecode(t, `{"name": "sample1", "opts": {"k": 1}}`)

	_, err := newTestProvisioner(newFakeTransferer()).Provision(context.Background(), lc,
		[]cwl.Param{{ID: "reads"}, {ID: "name"}, {ID: "opts"}}, doc)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if lc.Inputs.Len() != 0 {
		t.Errorf("Inputs = %v, want empty", lc.Inputs.Keys())
	}
}

func TestProvision_TransferFailures(t *testing.T) {
	lc := newTestContext(t)
	ft := newFakeTransferer("s3://b/reads.fq", "s3://b/align.bam.md5")
	doc := mustDecode(t, `{
		"reads": {"class": "File", "path": "s3://b/reads.fq"},
		"bam": {"class": "File", "path": "s3://b/align.bam"}
	}`)
	inputs := []cwl.Param{
		{ID: "reads"},
		{ID: "bam", SecondaryFiles: []cwl.SecondaryFileSchema{{Pattern: ".md5?"}, {Pattern: "^.bai"}}},
	}

	report, err := newTestProvisioner(ft).Provision(context.Background(), lc, inputs, doc)
	if err == nil {
		t.Fatal("expected error for required file")
	}
	if !errors.Is(err, model.ErrTransfer) {
		t.Errorf("err = %v, want ErrTransfer", err)
	}
	var le *model.LaunchError
	if !errors.As(err, &le) || le.Identifier != "reads" || le.Path != "s3://b/reads.fq" {
		t.Errorf("err = %v, want LaunchError for reads", err)
	}
	if strings.Contains(err.Error(), "md5") {
		t.Errorf("optional secondary reported as fatal: %v", err)
	}
	if len(report.Failed) != 2 || len(report.Succeeded) != 2 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := lc.Inputs.Get(ElementKey("bam", "s3://b/align.bam.md5")); ok {
		t.Error("failed optional secondary still in map")
	}
	if _, ok := lc.Inputs.Get(ElementKey("bam", "s3://b/align.bai")); !ok {
		t.Error("required secondary missing")
	}
}

func TestProvision_DocumentSecondariesAndRelativeRefs(t *testing.T) {
	docDir := t.TempDir()
	os.MkdirAll(filepath.Join(docDir, "data"), 0o755)
	os.WriteFile(filepath.Join(docDir, "data", "x.vcf.gz"), []byte("vcf"), 0o644)
	os.WriteFile(filepath.Join(docDir, "data", "x.vcf.gz.tbi"), []byte("tbi"), 0o644)

	lc := newTestContext(t)
	lc.DocumentDir = docDir
	doc := mustDecode(t, `{
		"vcf": {
			"class": "File",
			"location": "data/x.vcf.gz",
			"format": "edam:format_3016",
			"secondaryFiles": [{"class": "File", "location": "data/x.vcf.gz.tbi"}]
		}
	}`)

	p := newTestProvisioner(transfer.NewFileTransferer())
	if _, err := p.Provision(context.Background(), lc, []cwl.Param{{ID: "vcf"}}, doc); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	primary, _ := lc.Inputs.Get("vcf")
	if primary.RemoteRef != "data/x.vcf.gz" {
		t.Errorf("RemoteRef = %q, want verbatim relative ref", primary.RemoteRef)
	}
	if got, _ := os.ReadFile(primary.LocalPath); string(got) != "vcf" {
		t.Errorf("staged primary = %q", got)
	}
	sec, ok := lc.Inputs.Get("vcf:data/x.vcf.gz.tbi")
	if !ok {
		t.Fatalf("document secondary missing, keys = %v", lc.Inputs.Keys())
	}

	rewritten := Rewrite(doc, lc.Inputs, lc.Outputs)
	f := rewritten["vcf"].(*param.FileRef)
	if f.Location != primary.LocalPath || f.Path != "" {
		t.Errorf("rewritten = path %q location %q", f.Path, f.Location)
	}
	if f.Secondaries()[0].Location != sec.LocalPath {
		t.Errorf("secondary location = %q, want %q", f.Secondaries()[0].Location, sec.LocalPath)
	}
	if f.Extra["format"] != "edam:format_3016" {
		t.Errorf("format = %v", f.Extra["format"])
	}
	if doc["vcf"].(*param.FileRef).Location != "data/x.vcf.gz" {
		t.Error("Rewrite modified the original document")
	}
}

func TestProvision_DirectoryInput(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644)

	lc := newTestContext(t)
	doc := param.Document{"refdir": &param.FileRef{Class: param.ClassDirectory, Path: src}}
	p := newTestProvisioner(transfer.NewFileTransferer())
	if _, err := p.Provision(context.Background(), lc, []cwl.Param{{ID: "refdir"}}, doc); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	info, _ := lc.Inputs.Get("refdir")
	if !info.IsDirectory {
		t.Error("IsDirectory = false")
	}
	if _, err := os.Stat(filepath.Join(info.LocalPath, "a.txt")); err != nil {
		t.Errorf("directory not staged as tree: %v", err)
	}
}

func TestProvision_Metadata(t *testing.T) {
	lc := newTestContext(t)
	doc := mustDecode(t, `{"reads": {"class": "File", "path": "s3://b/r.fq", "metadata": "eyJzYW1wbGUiOiAiUzEifQ=="}}`)
	if _, err := newTestProvisioner(newFakeTransferer()).Provision(context.Background(), lc, []cwl.Param{{ID: "reads"}}, doc); err != nil {
		t.Fatal(err)
	}
	info, _ := lc.Inputs.Get("reads")
	if info.Metadata != `{"sample": "S1"}` {
		t.Errorf("Metadata = %q", info.Metadata)
	}
}

// Rewriting changes only path/location of provisioned entries.
func TestRewrite_OnlyTouchesProvisionedRefs(t *testing.T) {
	lc := newTestContext(t)
	src := `{
		"reads": {"class": "File", "path": "s3://b/reads.fq", "checksum": "sha1$abc", "size": 12},
		"unlisted": {"class": "File", "path": "s3://b/other.fq"},
		"label": "run-1",
		"count": 3,
		"flags": [true, false],
		"record": {"name": "x", "nested": {"a": 1}}
	}`
	doc := mustDecode(t, src)
	if _, err := newTestProvisioner(newFakeTransferer()).Provision(context.Background(), lc, []cwl.Param{{ID: "reads"}}, doc); err != nil {
		t.Fatal(err)
	}
	rewritten := Rewrite(doc, lc.Inputs, lc.Outputs)

	orig := doc.Raw()
	got := rewritten.Raw()
	info, _ := lc.Inputs.Get("reads")

	reads := got["reads"].(map[string]any)
	if reads["path"] != info.LocalPath {
		t.Errorf("reads.path = %v", reads["path"])
	}
	reads["path"] = orig["reads"].(map[string]any)["path"]

	a, _ := json.Marshal(orig)
	b, _ := json.Marshal(got)
	if string(a) != string(b) {
		t.Errorf("documents differ beyond reads.path:\n%s\n%s", a, b)
	}
}

// Values that are not provisioned leave the rewritten document exactly as
// they appeared in the source, number literals included.
func TestRewrite_PreservesSourceNumbers(t *testing.T) {
	lc := newTestContext(t)
	src := `{
		"reads": {"class": "File", "path": "s3://b/reads.fq"},
		"n": 1.0,
		"big": 12345678901234567890123,
		"f": 0.1000000000000000055511151231257827,
		"record": {"threshold": 2.50, "ids": [10000000000000000001, 3]}
	}`
	doc := mustDecode(t, src)
	if _, err := newTestProvisioner(newFakeTransferer()).Provision(context.Background(), lc, []cwl.Param{{ID: "reads"}}, doc); err != nil {
		t.Fatal(err)
	}
	out, err := Rewrite(doc, lc.Inputs, lc.Outputs).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}

	decode := func(data []byte) map[string]any {
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatal(err)
		}
		delete(m, "reads")
		return m
	}
	want, got := decode([]byte(src)), decode(out)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unprovisioned values changed:\n got: %v\nwant: %v", got, want)
	}
}
