package connectors

import (
	"context"
	"encoding/json"
	"testing"

	"edon/pkg/vault"
)

func TestFilesystemConnector_WriteReadDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewFilesystemConnector(dir)
	ctx := context.Background()

	writeParams, _ := json.Marshal(map[string]any{"path": "notes/a.txt", "content": "hello"})
	res, err := c.Execute(ctx, "write_file", writeParams, vault.Handle{})
	if err != nil || !res.OK {
		t.Fatalf("write_file: res=%+v err=%v", res, err)
	}

	readParams, _ := json.Marshal(map[string]any{"path": "notes/a.txt"})
	res, err = c.Execute(ctx, "read_file", readParams, vault.Handle{})
	if err != nil || !res.OK {
		t.Fatalf("read_file: res=%+v err=%v", res, err)
	}
	var out map[string]any
	_ = json.Unmarshal(res.Output, &out)
	if out["content"] != "hello" {
		t.Fatalf("expected round-tripped content, got %v", out)
	}

	deleteParams, _ := json.Marshal(map[string]any{"path": "notes/a.txt"})
	res, err = c.Execute(ctx, "delete_file", deleteParams, vault.Handle{})
	if err != nil || !res.OK {
		t.Fatalf("delete_file: res=%+v err=%v", res, err)
	}

	res, err = c.Execute(ctx, "read_file", readParams, vault.Handle{})
	if err != nil {
		t.Fatalf("read_file after delete: %v", err)
	}
	if res.OK {
		t.Fatal("expected read_file to fail for deleted file")
	}
}

func TestFilesystemConnector_RefusesSandboxEscape(t *testing.T) {
	dir := t.TempDir()
	c := NewFilesystemConnector(dir)
	params, _ := json.Marshal(map[string]any{"path": "../../etc/passwd", "content": "x"})
	_, err := c.Execute(context.Background(), "write_file", params, vault.Handle{})
	if err == nil {
		t.Fatal("expected error escaping sandbox")
	}
	if _, ok := err.(ErrPathEscapesSandbox); !ok {
		t.Fatalf("expected ErrPathEscapesSandbox, got %T: %v", err, err)
	}
}

func TestFilesystemConnector_ReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	c := NewFilesystemConnector(dir)
	params, _ := json.Marshal(map[string]any{"path": "missing.txt"})
	res, err := c.Execute(context.Background(), "read_file", params, vault.Handle{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure result for missing file")
	}
}
