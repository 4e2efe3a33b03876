package derivations

import "testing"

func TestHashDateSeedCases(t *testing.T) {
	cases := []struct {
		date, pid, wantDate string
	}{
		{"20220101", "12345", "20220921"},
		{"20220101", "67890", "20250815"},
	}
	for _, c := range cases {
		_, got := HashDate(c.date, c.pid)
		if got != c.wantDate {
			t.Errorf("HashDate(%s,%s) = %s, want %s", c.date, c.pid, got, c.wantDate)
		}
	}
}

func TestHashDateInvalid(t *testing.T) {
	delta, date := HashDate("18991231", "anyone")
	if delta != 0 || date != DefaultAnonDate {
		t.Fatalf("HashDate(invalid) = (%d,%s), want (0,%s)", delta, date, DefaultAnonDate)
	}
	delta, date = HashDate("20220101", "")
	if delta != 0 || date != DefaultAnonDate {
		t.Fatalf("HashDate(empty pid) = (%d,%s), want (0,%s)", delta, date, DefaultAnonDate)
	}
}

func TestHashDateStablePerPatient(t *testing.T) {
	d1, _ := HashDate("20220101", "pid-1")
	d2, _ := HashDate("20230615", "pid-1")
	if d1 != d2 {
		t.Fatalf("delta differs across studies for same patient: %d vs %d", d1, d2)
	}
	if d1 < 0 || d1 >= 3652 {
		t.Fatalf("delta %d out of range [0,3652)", d1)
	}
}

func TestModifyDateSeedCases(t *testing.T) {
	delta, date := ModifyDate("20220415", "2022,1,1")
	if delta != -104 || date != "20220101" {
		t.Fatalf("ModifyDate(2022,1,1) = (%d,%s), want (-104,20220101)", delta, date)
	}
	delta, date = ModifyDate("20220115", "*,1,1")
	if delta != -14 || date != "20220101" {
		t.Fatalf("ModifyDate(*,1,1) = (%d,%s), want (-14,20220101)", delta, date)
	}
	delta, date = ModifyDate("20220115", "foo,1,1")
	if delta != 0 || date != DefaultAnonDate {
		t.Fatalf("ModifyDate(foo,1,1) = (%d,%s), want (0,%s)", delta, date, DefaultAnonDate)
	}
}

func TestModifyDateWrapperStripped(t *testing.T) {
	delta, date := ModifyDate("20220415", "@modifydate(2022,1,1)")
	if delta != -104 || date != "20220101" {
		t.Fatalf("ModifyDate(wrapped) = (%d,%s), want (-104,20220101)", delta, date)
	}
}

func TestValidTime(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"120000", true},
		{"12", true},
		{"1200", true},
		{"120060", true}, // leap second
		{"120000.123", true},
		{"1200.5", false},  // seconds missing but fraction present
		{"12.5", false},    // minute missing but fraction present
		{"24", false},      // hour out of range
		{"1261", false},    // minute out of range
	}
	for _, c := range cases {
		if got := ValidTime(c.in); got != c.want {
			t.Errorf("ValidTime(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestHashTimeOrderPreserving(t *testing.T) {
	_, a := HashTime("100000", "patient-x")
	_, b := HashTime("100002", "patient-x")
	if a >= b {
		t.Fatalf("expected order preserved for >=2s apart: %s vs %s", a, b)
	}
}

func TestHashTimeInvalid(t *testing.T) {
	offset, anon := HashTime("", "patient-x")
	if offset != 0 || anon != DefaultAnonTime {
		t.Fatalf("HashTime(empty) = (%v,%s), want (0,%s)", offset, anon, DefaultAnonTime)
	}
}

func TestRoundAge(t *testing.T) {
	cases := []struct {
		in    string
		width int
		want  string
	}{
		{"034Y", 5, "035Y"},
		{"", 5, ""},
		{"007M", 1, "7M"},
		{"005Y", 2, "4Y"}, // exact .5 tie: round-half-to-even rounds 2.5 down to 2, not up to 3
	}
	for _, c := range cases {
		if got := RoundAge(c.in, c.width); got != c.want {
			t.Errorf("RoundAge(%q,%d) = %q, want %q", c.in, c.width, got, c.want)
		}
	}
}

func TestFormatters(t *testing.T) {
	if got := FormatAnonUID("1.2.3", "SITE", 7); got != "1.2.3.SITE.7" {
		t.Fatalf("FormatAnonUID = %q", got)
	}
	if got := FormatAnonPatientID("SITE", 1); got != "SITE-000001" {
		t.Fatalf("FormatAnonPatientID = %q", got)
	}
	if got := FormatAnonAccession(42); got != "42" {
		t.Fatalf("FormatAnonAccession = %q", got)
	}
}
