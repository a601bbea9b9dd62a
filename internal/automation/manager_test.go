//go:build !no_automation

package automation

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Evening Scene", Description: "warm lights", Enabled: true},
		LuaCode: `fastcon.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "evening_scene" {
		t.Errorf("id = %q, want evening_scene", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `fastcon.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
	if got.FilePath != filepath.Join(m.Dir(), "evening_scene.lua") {
		t.Errorf("file path = %q", got.FilePath)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{ID: "scene", Meta: ScriptMeta{Name: "Scene"}, LuaCode: `fastcon.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	saved.LuaCode = `fastcon.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("scene")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}

	if _, err := m.Save(&Script{ID: "../escape"}); err == nil {
		t.Error("expected error for path traversal id")
	}
}

func TestManagerListSkipsOtherFiles(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.Dir(), "broken.lua"), []byte("-- {not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
	if scripts[0].ID != "alpha" || scripts[2].ID != "gamma" {
		t.Errorf("order = %s, %s, %s", scripts[0].ID, scripts[1].ID, scripts[2].ID)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "ToDelete"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != "dup" || s2.ID != "dup_1" {
		t.Errorf("ids = %q, %q", s1.ID, s2.ID)
	}

	s3, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s3.ID != "script" {
		t.Errorf("id for unsluggable name = %q", s3.ID)
	}
}

func TestParseScript(t *testing.T) {
	content := `-- {"name":"Door Light","description":"on at night","enabled":true}

fastcon.on("light_registered", function(event)
    fastcon.turn_on(event.id)
end)
`
	s, err := parseScript("door", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "Door Light" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, `fastcon.on("light_registered"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}

	plain, err := parseScript("plain", []byte("fastcon.log('x')\n"))
	if err != nil {
		t.Fatal(err)
	}
	if plain.Meta.Name != "plain" || plain.Meta.Enabled {
		t.Errorf("headerless meta = %+v", plain.Meta)
	}

	if _, err := parseScript("bad", []byte("-- {oops\n")); err == nil {
		t.Error("expected metadata error")
	}
}

func TestSerializeScript(t *testing.T) {
	s := &Script{Meta: ScriptMeta{Name: "Test", Enabled: true}, LuaCode: `fastcon.log("hi")`}
	content := string(serializeScript(s))
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nfastcon.log(\"hi\")\n"
	if content != want {
		t.Errorf("content = %q, want %q", content, want)
	}

	back, err := parseScript("test", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if back.LuaCode != "fastcon.log(\"hi\")\n" {
		t.Errorf("lua_code = %q", back.LuaCode)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
