package validate

import (
	"strings"
	"testing"
)

func TestPagePathNormalization(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "/index.html", "/index.html"},
		{"missing leading slash", "index.html", "/index.html"},
		{"backslashes", `pages\about.html`, "/pages/about.html"},
		{"repeated slashes", "//pages///about.html", "/pages/about.html"},
		{"trailing slash", "/pages/about.html/", "/pages/about.html"},
		{"dot segments", "/pages/./about.html", "/pages/about.html"},
		{"forbidden chars stripped", `/pa<g>es/abo"ut.html`, "/pages/about.html"},
		{"control chars stripped", "/pages/ab\x01out.html", "/pages/about.html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PagePath(tc.in)
			if err != nil {
				t.Fatalf("PagePath(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("PagePath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestPagePathRejections(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"only traversal", "/../.."},
		{"etc prefix", "/etc/passwd"},
		{"windows prefix", `\windows\system32\config`},
		{"root prefix", "/root/.ssh/id_rsa"},
		{"traversal into etc", "/a/../../etc/passwd"},
		{"too long", "/" + strings.Repeat("a", MaxPathLen+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := PagePath(tc.in); err == nil {
				t.Fatalf("PagePath(%q) succeeded, want rejection", tc.in)
			}
		})
	}
}

func TestTraversalSegmentsAreRejected(t *testing.T) {
	// A ".." anywhere in the raw input is a rejection, never normalized away:
	// dropping it would quietly rewrite the page the client addressed.
	cases := []struct {
		name string
		in   string
	}{
		{"single traversal", "/safe/../project/page.html"},
		{"leading traversal", "../index.html"},
		{"backslash traversal", `pages\..\about.html`},
		{"padded traversal", "/pages/ .. /about.html"},
		{"trailing traversal", "/pages/about.html/.."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := PagePath(tc.in); err == nil {
				t.Fatalf("PagePath(%q) succeeded, want traversal rejection", tc.in)
			}
		})
	}

	const root = "/_live-edits"
	if _, err := FolderPath("/_live-edits/../_live-edits/demo", root); err == nil {
		t.Fatal("FolderPath accepted a traversal segment")
	}
}

func TestFolderPathVirtualRoot(t *testing.T) {
	const root = "/_live-edits"

	got, err := FolderPath("/_live-edits/products/demo", root)
	if err != nil {
		t.Fatalf("FolderPath error: %v", err)
	}
	if got != "/_live-edits/products/demo" {
		t.Fatalf("unexpected normalized path %q", got)
	}

	if _, err := FolderPath("/projects/demo", root); err == nil {
		t.Fatal("expected rejection for path outside the virtual root")
	}
	if _, err := FolderPath("/etc/passwd", root); err == nil {
		t.Fatal("expected rejection for denylisted prefix")
	}

	// Root itself is a valid folder path.
	if _, err := FolderPath("/_live-edits", root); err != nil {
		t.Fatalf("virtual root itself rejected: %v", err)
	}
}

func TestIDShape(t *testing.T) {
	if err := ID("project_id", "2c9a2c1e-9f14-4b6a-9a61-4bd6f3f1f2aa"); err != nil {
		t.Fatalf("valid uuid rejected: %v", err)
	}
	for _, bad := range []string{"", "not-a-uuid", "1234", "2c9a2c1e-9f14-4b6a-9a61"} {
		if err := ID("project_id", bad); err == nil {
			t.Fatalf("ID(%q) succeeded, want rejection", bad)
		}
	}
}

func TestPositionBounds(t *testing.T) {
	for _, ok := range []float64{0, 10.5, 40.0, 100} {
		if err := Position("x_position", ok); err != nil {
			t.Fatalf("Position(%v) rejected: %v", ok, err)
		}
	}
	for _, bad := range []float64{-0.1, 100.01, 1e9} {
		if err := Position("x_position", bad); err == nil {
			t.Fatalf("Position(%v) succeeded, want rejection", bad)
		}
	}
}

func TestTextAndNameBounds(t *testing.T) {
	if err := Text("comment_text", strings.Repeat("x", MaxCommentBytes), MaxCommentBytes); err != nil {
		t.Fatalf("at-limit body rejected: %v", err)
	}
	if err := Text("comment_text", strings.Repeat("x", MaxCommentBytes+1), MaxCommentBytes); err == nil {
		t.Fatal("over-limit body accepted")
	}
	if err := Name("edited_by", "", MaxNameLen); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := Name("edited_by", strings.Repeat("n", MaxNameLen+1), MaxNameLen); err == nil {
		t.Fatal("over-limit name accepted")
	}
}
