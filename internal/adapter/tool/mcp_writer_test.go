package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"relay-ai/internal/domain"
	"relay-ai/internal/infra/config"
	"relay-ai/internal/infra/logger"
	"relay-ai/internal/security"
)

// mockMCPClient implements mcpClient for testing.
type mockMCPClient struct {
	mu       sync.Mutex
	calls    []mcp.CallToolRequest
	callFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed   bool
}

func (m *mockMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.callFunc != nil {
		return m.callFunc(ctx, req)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("ok")}}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

func (m *mockMCPClient) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Params.Name
	}
	return out
}

func newTestMCPWriter(t *testing.T, c *mockMCPClient) (*MCPWriter, string) {
	t.Helper()
	sb, err := security.NewSandbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log := logger.Discard()
	cfg := config.MCPConfig{Transport: "stdio", ToolCreateFile: "write_file", ToolCreateDirectory: "create_directory"}
	return newMCPWriterWithClient(c, cfg, sb, NewLocalWriter(sb, log), log), sb.Root()
}

func TestMCPWriterWrite(t *testing.T) {
	mock := &mockMCPClient{}
	w, root := newTestMCPWriter(t, mock)
	sink := &recordingSink{}

	res, err := w.Write(context.Background(), domain.WriteRequest{
		RequestID: "r1", Path: "docs/a.txt", Content: "abc", Sink: sink,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Path != "docs/a.txt" || res.Bytes != 3 {
		t.Errorf("result = %+v", res)
	}

	names := mock.names()
	if len(names) != 2 || names[0] != "create_directory" || names[1] != "write_file" {
		t.Fatalf("calls = %v, want [create_directory write_file]", names)
	}
	args, _ := mock.calls[1].Params.Arguments.(map[string]any)
	if args["path"] != filepath.Join(root, "docs", "a.txt") {
		t.Errorf("write_file path = %v", args["path"])
	}
	if args["content"] != "abc" {
		t.Errorf("write_file content = %v", args["content"])
	}

	// The server wrote it, not the local writer.
	if _, err := os.Stat(filepath.Join(root, "docs", "a.txt")); !os.IsNotExist(err) {
		t.Errorf("local file should not exist, stat err = %v", err)
	}

	got := sink.all()
	if len(got) != 2 || !got[0].IsDone() || got[1].Type != domain.NotifyFileCreated {
		t.Fatalf("notifications = %+v", got)
	}
}

func TestMCPWriterFallsBackOnError(t *testing.T) {
	mock := &mockMCPClient{
		callFunc: func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("server gone")
		},
	}
	w, root := newTestMCPWriter(t, mock)

	res, err := w.Write(context.Background(), domain.WriteRequest{RequestID: "r1", Path: "b.txt", Content: "local"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Path != "b.txt" {
		t.Errorf("path = %q", res.Path)
	}
	data, err := os.ReadFile(filepath.Join(root, "b.txt"))
	if err != nil || string(data) != "local" {
		t.Errorf("fallback file = %q, %v", data, err)
	}
}

func TestMCPWriterFallsBackOnToolError(t *testing.T) {
	mock := &mockMCPClient{
		callFunc: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{mcp.NewTextContent("access denied")},
			}, nil
		},
	}
	w, root := newTestMCPWriter(t, mock)

	chunks := make(chan string, 2)
	chunks <- "gen"
	chunks <- "erated"
	close(chunks)

	sink := &recordingSink{}
	res, err := w.WriteStream(context.Background(), domain.WriteRequest{RequestID: "r2", Sink: sink}, chunks)
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if res.Bytes != len("generated") {
		t.Errorf("bytes = %d", res.Bytes)
	}
	data, err := os.ReadFile(filepath.Join(root, res.Path))
	if err != nil || string(data) != "generated" {
		t.Errorf("fallback file = %q, %v", data, err)
	}

	var done int
	for _, n := range sink.all() {
		if n.Type == domain.NotifyToolStream && n.IsDone() {
			done++
		}
	}
	if done != 1 {
		t.Errorf("done notifications = %d, want 1", done)
	}
}

func TestMCPWriterRejectsEscapeWithoutCalling(t *testing.T) {
	mock := &mockMCPClient{}
	w, _ := newTestMCPWriter(t, mock)

	_, err := w.Write(context.Background(), domain.WriteRequest{RequestID: "r", Path: "../x.txt", Content: "x"})
	if !errors.Is(err, domain.ErrPathOutsideSandbox) {
		t.Fatalf("err = %v, want ErrPathOutsideSandbox", err)
	}
	if n := len(mock.names()); n != 0 {
		t.Errorf("mcp called %d times", n)
	}
}

func TestMCPWriterClose(t *testing.T) {
	mock := &mockMCPClient{}
	w, _ := newTestMCPWriter(t, mock)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if !mock.closed {
		t.Error("client not closed")
	}
	if w.Name() != "mcp" {
		t.Errorf("Name = %q", w.Name())
	}
}

func TestEnvSlice(t *testing.T) {
	if envSlice(nil) != nil {
		t.Error("nil map should give nil slice")
	}
	got := envSlice(map[string]string{"A": "1"})
	if len(got) != 1 || got[0] != "A=1" {
		t.Errorf("envSlice = %v", got)
	}
}
