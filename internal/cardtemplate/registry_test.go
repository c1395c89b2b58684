package cardtemplate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hitoshi/cardsync/internal/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoad_NotConfigured(t *testing.T) {
	r, status, err := Load("", newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != NotConfigured {
		t.Errorf("status = %v, want %v", status, NotConfigured)
	}
	if len(r.Names()) != 0 {
		t.Errorf("Names() = %v, want empty", r.Names())
	}
}

func TestLoad_MissingDirectoryIsError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")

	r, status, err := Load(dir, newTestLogger())
	if err == nil {
		t.Fatal("expected error for unreadable directory")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want wrapping os.ErrNotExist", err)
	}
	if status != Loaded {
		t.Errorf("status = %v, want %v", status, Loaded)
	}
	if r == nil {
		t.Fatal("registry should be usable even on error")
	}
	if _, err := r.Render("any", nil); !errors.Is(err, model.ErrTemplateNotFound) {
		t.Errorf("Render err = %v, want ErrTemplateNotFound", err)
	}
}

func TestLoad_ReadsHTMLFilesOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "welcome.html", `<article><p>Hello {{.Name}}</p></article>`)
	writeFile(t, dir, "status.html", `<article>{{.Count}}</article>`)
	writeFile(t, dir, "notes.txt", `ignored`)
	writeFile(t, dir, ".draft.html", `ignored`)
	if err := os.Mkdir(filepath.Join(dir, "nested.html"), 0o755); err != nil {
		t.Fatal(err)
	}

	r, status, err := Load(dir, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != Loaded {
		t.Errorf("status = %v, want %v", status, Loaded)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "status" || names[1] != "welcome" {
		t.Errorf("Names() = %v, want [status welcome]", names)
	}
}

func TestRegistry_Render_EscapesData(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "welcome.html", `<p>Hello {{.Name}}</p>`)

	r, _, err := Load(dir, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.Render("welcome", map[string]string{"Name": "<b>Ann</b>"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.Contains(got, "<b>") {
		t.Errorf("data should be escaped, got %q", got)
	}
	if !strings.Contains(got, "Hello &lt;b&gt;Ann&lt;/b&gt;") {
		t.Errorf("unexpected output %q", got)
	}
}

func TestRegistry_Render_UnknownTemplate(t *testing.T) {
	r, _, _ := Load(t.TempDir(), newTestLogger())

	_, err := r.Render("missing", nil)
	if !errors.Is(err, model.ErrTemplateNotFound) {
		t.Errorf("err = %v, want ErrTemplateNotFound", err)
	}
}

func TestRegistry_Render_ExecutionError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.html", `{{.Missing.Field}}`)

	r, _, err := Load(dir, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := r.Render("broken", struct{}{}); err == nil {
		t.Fatal("expected execution error")
	}
}

func TestLoad_ParseErrorKeepsOtherTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.html", `<p>ok</p>`)
	writeFile(t, dir, "bad.html", `{{if}}`)

	r, status, err := Load(dir, newTestLogger())
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "bad.html") {
		t.Errorf("error should name the file, got %v", err)
	}
	if status != Loaded {
		t.Errorf("status = %v, want %v", status, Loaded)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "good" {
		t.Errorf("Names() = %v, want [good]", names)
	}
}

func TestRegistry_Reload_ReplacesTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.html", `A`)

	r, _, err := Load(dir, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "a.html")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "b.html", `B`)

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "b" {
		t.Errorf("Names() = %v, want [b]", names)
	}
}

func TestShouldReload(t *testing.T) {
	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"create", fsnotify.Event{Name: "/t/a.html", Op: fsnotify.Create}, true},
		{"write", fsnotify.Event{Name: "/t/a.html", Op: fsnotify.Write}, true},
		{"remove", fsnotify.Event{Name: "/t/a.html", Op: fsnotify.Remove}, true},
		{"rename", fsnotify.Event{Name: "/t/a.html", Op: fsnotify.Rename}, true},
		{"write and chmod", fsnotify.Event{Name: "/t/a.html", Op: fsnotify.Write | fsnotify.Chmod}, true},
		{"chmod only", fsnotify.Event{Name: "/t/a.html", Op: fsnotify.Chmod}, false},
		{"non-template file", fsnotify.Event{Name: "/t/a.txt", Op: fsnotify.Write}, false},
		{"hidden file", fsnotify.Event{Name: "/t/.a.html", Op: fsnotify.Write}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldReload(tt.ev); got != tt.want {
				t.Errorf("shouldReload(%v) = %v, want %v", tt.ev, got, tt.want)
			}
		})
	}
}

func TestRegistry_Watch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	r, _, err := Load(dir, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		// ウォッチャーの登録完了を待たずに書き込む可能性があるため、反映されるまで書き直す
		writeFile(t, dir, "live.html", `<p>live</p>`)
		time.Sleep(50 * time.Millisecond)
		if names := r.Names(); len(names) == 1 && names[0] == "live" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("template was not reloaded after the file was written")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestRegistry_Watch_NotConfigured(t *testing.T) {
	r, _, _ := Load("", newTestLogger())
	if err := r.Watch(context.Background()); err != nil {
		t.Errorf("Watch on unconfigured registry = %v, want nil", err)
	}
}

func TestStatus_String(t *testing.T) {
	if NotConfigured.String() != "not_configured" || Loaded.String() != "loaded" {
		t.Errorf("unexpected status strings: %s, %s", NotConfigured, Loaded)
	}
}
