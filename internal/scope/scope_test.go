package scope

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in        string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"acme/widgets", "acme", "widgets", false},
		{"https://github.com/acme/widgets", "acme", "widgets", false},
		{"https://github.com/acme/widgets.git", "acme", "widgets", false},
		{"https://github.com/acme/widgets/tree/main", "acme", "widgets", false},
		{"http://github.com/acme/widgets", "acme", "widgets", false},
		{"git@github.com:acme/widgets.git", "acme", "widgets", false},
		{"git@github.com:acme/widgets", "acme", "widgets", false},
		{"widgets", "", "", true},
		{"a/b/c", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got.Owner != tt.wantOwner || got.Repo != tt.wantRepo {
			t.Errorf("Parse(%q) = %v, want %s/%s", tt.in, got, tt.wantOwner, tt.wantRepo)
		}
	}
}

func TestQualifier(t *testing.T) {
	d := Descriptor{Owner: "acme", Repo: "widgets"}
	if got := d.Qualifier(); got != "repo:acme/widgets" {
		t.Errorf("Qualifier() = %q", got)
	}
}

func TestIsZero(t *testing.T) {
	if !(Descriptor{}).IsZero() {
		t.Error("empty descriptor should be zero")
	}
	if !(Descriptor{Owner: "acme"}).IsZero() {
		t.Error("descriptor without repo should be zero")
	}
	if (Descriptor{Owner: "acme", Repo: "widgets"}).IsZero() {
		t.Error("full descriptor should not be zero")
	}
}
