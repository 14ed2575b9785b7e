package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/warden/internal/policy"
)

func TestFileTool_WriteReadList(t *testing.T) {
	root := t.TempDir()
	tool := NewFileTool(root)
	ctx := context.Background()

	res, err := tool.Invoke(ctx, map[string]interface{}{"op": "write", "path": "notes/a.txt", "content": "hello"})
	if err != nil || !res.OK {
		t.Fatalf("write failed: %v %+v", err, res)
	}

	res, err = tool.Invoke(ctx, map[string]interface{}{"op": "read", "path": "notes/a.txt"})
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if res.Output != "hello" {
		t.Errorf("expected hello, got %q", res.Output)
	}

	os.WriteFile(filepath.Join(root, "b.txt"), []byte("x"), 0644)
	res, err = tool.Invoke(ctx, map[string]interface{}{"op": "list"})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if res.Output != "b.txt\nnotes/" {
		t.Errorf("unexpected listing: %q", res.Output)
	}
}

func TestFileTool_MissingFileIsFailedResult(t *testing.T) {
	tool := NewFileTool(t.TempDir())
	res, err := tool.Invoke(context.Background(), map[string]interface{}{"op": "read", "path": "nope.txt"})
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if res.OK {
		t.Error("expected OK=false")
	}
}

func TestFileTool_EscapeIsFatal(t *testing.T) {
	tool := NewFileTool(t.TempDir())
	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		_, err := tool.Invoke(context.Background(), map[string]interface{}{"op": "read", "path": path})
		if !IsFatal(err) {
			t.Errorf("%s: expected fatal error, got %v", path, err)
		}
	}
}

func TestFileTool_Search(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0644)
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("Foo in text\n"), 0644)
	os.MkdirAll(filepath.Join(root, ".git"), 0755)
	os.WriteFile(filepath.Join(root, ".git", "c.go"), []byte("Foo\n"), 0644)

	tool := NewFileTool(root)
	res, err := tool.Invoke(context.Background(), map[string]interface{}{"op": "search", "pattern": "Foo", "glob": "*.go"})
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	matches := res.Payload["matches"].([]interface{})
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	m := matches[0].(map[string]interface{})
	if m["path"] != "a.go" || m["line"] != 2 {
		t.Errorf("unexpected match: %v", m)
	}

	if _, err := tool.Invoke(context.Background(), map[string]interface{}{"op": "search", "pattern": "("}); !IsFatal(err) {
		t.Errorf("invalid regex should be fatal, got %v", err)
	}
}

func TestFileTool_UnknownOp(t *testing.T) {
	tool := NewFileTool(t.TempDir())
	if _, err := tool.Invoke(context.Background(), map[string]interface{}{"op": "chmod"}); !IsFatal(err) {
		t.Errorf("expected fatal, got %v", err)
	}
}

func TestShellTool_Success(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "hello.txt"), nil, 0644)
	tool := NewShellTool(root, 0, 0)

	res, err := tool.Invoke(context.Background(), map[string]interface{}{"command": "ls"})
	if err != nil {
		t.Fatalf("ls error: %v", err)
	}
	if !res.OK || !strings.Contains(res.Output, "hello.txt") {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Payload["returncode"] != 0 {
		t.Errorf("expected returncode 0, got %v", res.Payload["returncode"])
	}
}

func TestShellTool_NonZeroExit(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 0, 0)
	res, err := tool.Invoke(context.Background(), map[string]interface{}{"command": "ls does-not-exist"})
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.OK {
		t.Error("expected OK=false")
	}
	if res.Payload["returncode"] == 0 {
		t.Error("expected non-zero returncode")
	}
}

func TestShellTool_TimeoutIsRetryable(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 100*time.Millisecond, 0)
	_, err := tool.Invoke(context.Background(), map[string]interface{}{"command": "sleep 5"})
	if !IsRetryable(err) {
		t.Errorf("expected retryable timeout, got %v", err)
	}
}

func TestShellTool_UnknownCommandIsFatal(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 0, 0)
	_, err := tool.Invoke(context.Background(), map[string]interface{}{"command": "warden-no-such-binary --flag"})
	if !IsFatal(err) {
		t.Errorf("expected fatal, got %v", err)
	}
}

func TestShellTool_OutputTruncatedFromTail(t *testing.T) {
	if got := tail("abcdef", 3); got != "def" {
		t.Errorf("expected def, got %q", got)
	}
	if got := tail("ab", 3); got != "ab" {
		t.Errorf("expected ab, got %q", got)
	}
}

func TestSearchTool_Tavily(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"results":[{"title":"Go","url":"https://go.dev","content":"The Go language"},{"title":"Pkg","url":"https://pkg.go.dev","content":"Packages"}]}`))
	}))
	defer srv.Close()

	tool := NewSearchTool("key", 5, time.Second)
	tool.tavilyURL = srv.URL
	res, err := tool.Invoke(context.Background(), map[string]interface{}{"query": "golang", "max_results": 50})
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if body["max_results"] != float64(10) {
		t.Errorf("max_results should clamp to 10, got %v", body["max_results"])
	}
	if body["api_key"] != "key" || body["search_depth"] != "basic" {
		t.Errorf("unexpected request body: %v", body)
	}
	if res.Payload["provider"] != "tavily" {
		t.Errorf("unexpected provider: %v", res.Payload["provider"])
	}
	if n := len(res.Payload["results"].([]interface{})); n != 2 {
		t.Errorf("expected 2 results, got %d", n)
	}
}

func TestSearchTool_DuckDuckGoFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "golang" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"RelatedTopics":[],"AbstractURL":"https://go.dev","Heading":"Go","AbstractText":"A language"}`))
	}))
	defer srv.Close()

	tool := NewSearchTool("", 0, time.Second)
	tool.ddgURL = srv.URL
	res, err := tool.Invoke(context.Background(), map[string]interface{}{"query": "golang"})
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if res.Payload["provider"] != "duckduckgo" {
		t.Errorf("unexpected provider: %v", res.Payload["provider"])
	}
	results := res.Payload["results"].([]interface{})
	if len(results) != 1 || results[0].(map[string]interface{})["url"] != "https://go.dev" {
		t.Errorf("expected abstract fallback, got %v", results)
	}
}

func TestSearchTool_ErrorClassification(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	tool := NewSearchTool("", 5, time.Second)
	tool.ddgURL = srv.URL
	args := map[string]interface{}{"query": "x"}

	if _, err := tool.Invoke(context.Background(), args); !IsRetryable(err) {
		t.Errorf("5xx should be retryable, got %v", err)
	}
	status = http.StatusUnauthorized
	if _, err := tool.Invoke(context.Background(), args); !IsFatal(err) {
		t.Errorf("4xx should be fatal, got %v", err)
	}
	if _, err := tool.Invoke(context.Background(), map[string]interface{}{"query": "  "}); !IsFatal(err) {
		t.Errorf("empty query should be fatal, got %v", err)
	}
}

func TestExecutor_Classification(t *testing.T) {
	exec := NewDefault(t.TempDir(), Options{})

	if _, err := exec.Execute(context.Background(), "teleport", nil); !IsFatal(err) || !errors.Is(err, ErrToolNotFound) {
		t.Errorf("unknown tool should be fatal ErrToolNotFound, got %v", err)
	}

	res, err := exec.Execute(context.Background(), "file", map[string]interface{}{"op": "list"})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if res.Tool != "file" {
		t.Errorf("expected tool name to be filled, got %q", res.Tool)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := exec.Execute(ctx, "file", map[string]interface{}{"op": "list"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type flakyTool struct{ err error }

func (f *flakyTool) Name() string                       { return "flaky" }
func (f *flakyTool) Description() string                { return "" }
func (f *flakyTool) Parameters() map[string]interface{} { return nil }
func (f *flakyTool) Invoke(context.Context, map[string]interface{}) (*Result, error) {
	return nil, f.err
}

func TestExecutor_UnclassifiedErrorsAreRetryable(t *testing.T) {
	exec := NewExecutor(NewRegistry(&flakyTool{err: errors.New("boom")}))
	if _, err := exec.Execute(context.Background(), "flaky", nil); !IsRetryable(err) {
		t.Errorf("expected retryable, got %v", err)
	}
}

func TestRegistry_SpecsSorted(t *testing.T) {
	specs := NewDefault(t.TempDir(), Options{}).Registry().Specs()
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	if specs[0].Name != "file" || specs[1].Name != "search" || specs[2].Name != "shell" {
		t.Errorf("unexpected order: %v", specs)
	}
}

func TestFileTool_SymlinkEscapeIsFatal(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("TOPSECRET"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	tool := NewFileTool(root)
	ctx := context.Background()

	res, err := tool.Invoke(ctx, map[string]interface{}{"op": "read", "path": "link/secret"})
	if !IsFatal(err) || !errors.Is(err, policy.ErrPathEscape) {
		t.Fatalf("expected fatal path escape, got res=%+v err=%v", res, err)
	}
	if _, err := tool.Invoke(ctx, map[string]interface{}{"op": "write", "path": "link/new.txt", "content": "x"}); !IsFatal(err) {
		t.Errorf("write through symlink: expected fatal, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "new.txt")); !os.IsNotExist(err) {
		t.Error("write escaped the root")
	}
	if _, err := tool.Invoke(ctx, map[string]interface{}{"op": "list", "path": "link"}); !IsFatal(err) {
		t.Errorf("list through symlink: expected fatal, got %v", err)
	}

	res, err = tool.Invoke(ctx, map[string]interface{}{"op": "search", "pattern": "TOPSECRET"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if n := len(res.Payload["matches"].([]interface{})); n != 0 {
		t.Errorf("search followed a symlink out of the root: %d matches", n)
	}
}

func TestFileTool_SymlinkInsideRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data"), 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(root, "data", "a.txt"), []byte("inside"), 0644)
	if err := os.Symlink(filepath.Join(root, "data"), filepath.Join(root, "alias")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	res, err := NewFileTool(root).Invoke(context.Background(), map[string]interface{}{"op": "read", "path": "alias/a.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Output != "inside" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestShellTool_ExecutableOutsideRootIsFatal(t *testing.T) {
	root := t.TempDir()
	tool := NewShellTool(root, 0, 0)
	for _, cmd := range []string{"../../bin/ls", "/bin/ls"} {
		if _, err := tool.Invoke(context.Background(), map[string]interface{}{"command": cmd}); !IsFatal(err) || !errors.Is(err, policy.ErrPathEscape) {
			t.Errorf("%q: expected fatal path escape, got %v", cmd, err)
		}
	}
}

func TestShellTool_CompoundCommandIsFatal(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 0, 0)
	for _, cmd := range []string{"ls | wc -l", "ls && pwd", "ls > out.txt", "echo $HOME"} {
		_, err := tool.Invoke(context.Background(), map[string]interface{}{"command": cmd})
		if !IsFatal(err) || !errors.Is(err, policy.ErrCompoundCommand) {
			t.Errorf("%q: expected fatal compound error, got %v", cmd, err)
		}
	}
}
