package script

import (
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"
)

const sampleScript = `<script>
  <p t="PROJECTNAME">Project</p>
  <p t="SiteID">SITE</p>
  <e t="00081030" n="StudyDescription">@param(@PROJECTNAME)</e>
  <e t="00100010" n="PatientName">@empty</e>
  <e t="00100020" n="PatientID">@keep</e>
  <e t="00181000" n="DeviceSerialNumber">@always</e>
</script>`

func TestParseCompilesTables(t *testing.T) {
	c, err := Parse([]byte(sampleScript))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	studyDesc := tag.Tag{Group: 0x0008, Element: 0x1030}
	if op := c.TagKeep[studyDesc]; op != "@param(@PROJECTNAME)" {
		t.Fatalf("TagKeep[StudyDescription] = %q", op)
	}
	always := tag.Tag{Group: 0x0018, Element: 0x1000}
	if !c.TagAlways[always] {
		t.Fatalf("expected %v in TagAlways", always)
	}
}

func TestParamLookupCaseInsensitive(t *testing.T) {
	c, err := Parse([]byte(sampleScript))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, ok := c.Param("projectname")
	if !ok || v != "Project" {
		t.Fatalf("Param(projectname) = (%q,%v), want (Project,true)", v, ok)
	}
	v, ok = c.Param("SITEID")
	if !ok || v != "SITE" {
		t.Fatalf("Param(SITEID) = (%q,%v), want (SITE,true)", v, ok)
	}
}

func TestParamKeyFromOperation(t *testing.T) {
	key, ok := ParamKeyFromOperation("@param(@PROJECTNAME)")
	if !ok || key != "projectname" {
		t.Fatalf("ParamKeyFromOperation = (%q,%v), want (projectname,true)", key, ok)
	}
	if _, ok := ParamKeyFromOperation("@keep"); ok {
		t.Fatalf("expected no match for @keep")
	}
}

func TestCompileOperationPriority(t *testing.T) {
	cases := []struct {
		op   string
		want OpKind
	}{
		{"", OpKeep},
		{"@keep", OpKeep},
		{"@empty", OpEmpty},
		{"@hashuid", OpUID},
		{"@hashacc", OpAccession},
		{"@hashdate", OpHashDate},
		{"@modifydate(this,2022,1,1)", OpModifyDate},
		{"@hashtime", OpHashTime},
		{"@round4", OpRound},
		{"@param(@PROJECTNAME)", OpParam},
	}
	for _, c := range cases {
		got := CompileOperation(c.op)
		if got.Kind != c.want {
			t.Errorf("CompileOperation(%q).Kind = %v, want %v", c.op, got.Kind, c.want)
		}
	}
}

func TestCompileOperationRoundWidth(t *testing.T) {
	op := CompileOperation("@round5")
	if op.RoundWidth != 5 {
		t.Fatalf("RoundWidth = %d, want 5", op.RoundWidth)
	}
}

func TestCompileOperationParamKey(t *testing.T) {
	op := CompileOperation("@param(@PROJECTNAME)")
	if op.ParamKey != "projectname" {
		t.Fatalf("ParamKey = %q, want projectname", op.ParamKey)
	}
}

func TestParseTagHex(t *testing.T) {
	tg, err := ParseTagHex("00100020")
	if err != nil {
		t.Fatalf("ParseTagHex: %v", err)
	}
	want := tag.Tag{Group: 0x0010, Element: 0x0020}
	if tg != want {
		t.Fatalf("ParseTagHex = %v, want %v", tg, want)
	}
	if _, err := ParseTagHex("bad"); err == nil {
		t.Fatalf("expected error for malformed tag")
	}
}
