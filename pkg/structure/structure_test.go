package structure

import (
	"reflect"
	"testing"

	"conductor/pkg/proto"
)

func sampleTree() proto.Tree {
	return proto.Tree{
		"src": proto.Tree{
			"main.py":  nil,
			"utils.py": nil,
			"web": proto.Tree{
				"index.html": nil,
			},
		},
		"README.md": nil,
	}
}

func TestFilesSorted(t *testing.T) {
	got := Files(sampleTree())
	want := []string{"README.md", "src/main.py", "src/utils.py", "src/web/index.html"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Files() = %v, want %v", got, want)
	}
}

func TestFilesSanitizesTraversal(t *testing.T) {
	tree := proto.Tree{
		"..":       proto.Tree{"evil.py": nil},
		"  ":       nil,
		"ok.py":    nil,
		"../etc":   nil,
		"a..b.txt": nil,
	}
	got := Files(tree)
	want := []string{"_/etc", "_/evil.py", "a_b.txt", "ok.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Files() = %v, want %v", got, want)
	}
}

func TestFromPathsRoundTrip(t *testing.T) {
	paths := []string{"README.md", "src/main.py", "src/utils.py", "src/web/index.html"}
	tree := FromPaths(paths)
	if !Equal(tree, sampleTree()) {
		t.Errorf("FromPaths(%v) built %v", paths, tree)
	}
	if got := Files(tree); !reflect.DeepEqual(got, paths) {
		t.Errorf("Files(FromPaths(%v)) = %v", paths, got)
	}
}

func TestInsertPromotesLeaf(t *testing.T) {
	tree := proto.Tree{"src": nil}
	Insert(tree, "src/main.py")
	if !Contains(tree, "src/main.py") {
		t.Error("Expected src/main.py after promoting leaf to directory")
	}
}

func TestInsertKeepsExistingDirectory(t *testing.T) {
	tree := sampleTree()
	Insert(tree, "src/web/app.js")
	if !Contains(tree, "src/web/index.html") {
		t.Error("Insert dropped sibling file")
	}
	if !Contains(tree, "src/web/app.js") {
		t.Error("Insert did not add new file")
	}
}

func TestContains(t *testing.T) {
	tree := sampleTree()
	if !Contains(tree, "src/main.py") {
		t.Error("Expected src/main.py in tree")
	}
	if Contains(tree, "src") {
		t.Error("Directories are not file leaves")
	}
	if Contains(tree, "src/missing.py") {
		t.Error("Unexpected file found")
	}
	if Contains(tree, "") {
		t.Error("Empty path must not match")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tree := sampleTree()
	clone := Clone(tree)
	if !Equal(tree, clone) {
		t.Fatal("Clone differs from source")
	}

	Insert(clone, "src/new.py")
	if Contains(tree, "src/new.py") {
		t.Error("Mutation of clone leaked into source")
	}
}

func TestEqual(t *testing.T) {
	a := sampleTree()
	b := sampleTree()
	if !Equal(a, b) {
		t.Error("Identical trees reported unequal")
	}

	Insert(b, "extra.py")
	if Equal(a, b) {
		t.Error("Different trees reported equal")
	}

	// A file and a directory under the same name are not the same thing.
	c := proto.Tree{"x": nil}
	d := proto.Tree{"x": proto.Tree{}}
	if Equal(c, d) {
		t.Error("File leaf equal to empty directory")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"main.py", "main.py"},
		{`bad<name>.py`, "bad_name_.py"},
		{`a:b|c?d*e`, "a_b_c_d_e"},
		{`dir/with\sep`, "dir_with_sep"},
		{"  spaced.py  ", "spaced.py"},
		{`"quoted"`, "_quoted_"},
		{"???", "___"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsTestable(t *testing.T) {
	testable := []string{"main.py", "src/app.JS", "pkg/x.go", "lib.rs", "A.java", "core.cpp", "site.php", "mod.ts"}
	for _, path := range testable {
		if !IsTestable(path) {
			t.Errorf("Expected %s to be testable", path)
		}
	}
	notTestable := []string{"README.md", "index.html", "style.css", "data.json", "Makefile"}
	for _, path := range notTestable {
		if IsTestable(path) {
			t.Errorf("Expected %s to not be testable", path)
		}
	}
}

func TestTestPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"main.py", "tests/main_test.py"},
		{"src/app.js", "tests/src/app_test.js"},
		{"tests/main.py", "tests/main_test.py"},
		{"Makefile", "tests/Makefile_test"},
		{".env", "tests/.env_test"},
		{"pkg.v2/tool.go", "tests/pkg.v2/tool_test.go"},
	}
	for _, tc := range cases {
		if got := TestPath(tc.in); got != tc.want {
			t.Errorf("TestPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCountFiles(t *testing.T) {
	if got := CountFiles(sampleTree()); got != 4 {
		t.Errorf("CountFiles = %d, want 4", got)
	}
	if got := CountFiles(proto.Tree{}); got != 0 {
		t.Errorf("CountFiles(empty) = %d, want 0", got)
	}
}
