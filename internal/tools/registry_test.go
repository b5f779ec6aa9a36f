package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

type mockTool struct {
	name string
	runs int
}

func (m *mockTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: m.name, Desc: "A mock tool for testing"}, nil
}

func (m *mockTool) InvokableRun(ctx context.Context, args string, opts ...tool.Option) (string, error) {
	m.runs++
	return "mock result " + args, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&mockTool{name: "mock_tool"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	got, ok := reg.Get("mock_tool")
	if !ok || got == nil {
		t.Fatal("expected to find mock_tool")
	}
}

func TestRegistry_RejectsDuplicateAndNameless(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&mockTool{name: "dup"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := reg.Register(&mockTool{name: "dup"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := reg.Register(&mockTool{}); err == nil {
		t.Fatal("expected missing name error")
	}
}

func TestRegistry_InfosSortedByName(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(&mockTool{name: name}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	infos, err := reg.Infos(context.Background())
	if err != nil {
		t.Fatalf("Infos error: %v", err)
	}
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	if strings.Join(names, ",") != "alpha,mid,zeta" {
		t.Fatalf("unexpected order: %v", names)
	}
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry()
	mock := &mockTool{name: "mock_tool"}
	if err := reg.Register(mock); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	out, err := reg.Execute(context.Background(), "mock_tool", `{"x":1}`)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out != `mock result {"x":1}` || mock.runs != 1 {
		t.Fatalf("unexpected result %q runs=%d", out, mock.runs)
	}

	if _, err := reg.Execute(context.Background(), "missing", `{}`); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
