package catalogs

import (
	"path/filepath"
	"strings"
	"testing"
)

const smallYAML = `
world: {width: 400, height: 300, spawn_region: home}
regions:
  - {id: home, type: gate, bounds: {x: 0, y: 0, w: 50, h: 50}}
  - {id: shop, name: Shop, type: build, bounds: {x: 100, y: 100, w: 80, h: 40}, urgency: 0.5, capacity: 2}
kinds: [tester, builder]
affinity:
  default: {build: 0.25}
  by_kind:
    builder: {build: 0.9}
tasks:
  build: [a, b]
`

func TestParse_Small(t *testing.T) {
	c, err := Parse([]byte(smallYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.World.Diagonal() != 500 {
		t.Fatalf("diagonal = %v", c.World.Diagonal())
	}
	home, ok := c.Regions.Get("home")
	if !ok || home.Name != "home" {
		t.Fatalf("home = %+v ok=%v (name should default to id)", home, ok)
	}
	cands := c.Candidates()
	if len(cands) != 1 || cands[0].ID != "shop" {
		t.Fatalf("candidates = %+v", cands)
	}
	if c.SpawnRegion().ID != "home" {
		t.Fatalf("spawn = %+v", c.SpawnRegion())
	}
	if c.Kinds[0] != "builder" {
		t.Fatalf("kinds not sorted: %v", c.Kinds)
	}
	if c.Digest == "" {
		t.Fatalf("missing digest")
	}
}

func TestAffinityLookup(t *testing.T) {
	c, err := Parse([]byte(smallYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cases := []struct {
		kind, typ string
		want      float64
	}{
		{"builder", "build", 0.9},
		{"tester", "build", 0.25},
		{"", "build", 0.25},
		{"builder", "docs", 0},
	}
	for _, tc := range cases {
		if got := c.Affinity.Lookup(tc.kind, tc.typ); got != tc.want {
			t.Fatalf("Lookup(%q,%q)=%v want %v", tc.kind, tc.typ, got, tc.want)
		}
	}
}

func TestTaskLabelAndKind(t *testing.T) {
	c, err := Parse([]byte(smallYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := c.TaskLabel("build", func() float64 { return 0.99 }); got != "b" {
		t.Fatalf("label = %q", got)
	}
	if got := c.TaskLabel("build", func() float64 { return 1 }); got != "b" {
		t.Fatalf("label at 1 = %q", got)
	}
	if got := c.TaskLabel("nope", func() float64 { return 0 }); got != "" {
		t.Fatalf("label for unknown type = %q", got)
	}
	if got := c.Kind(func() float64 { return 0 }); got != "builder" {
		t.Fatalf("kind = %q", got)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"no spawn":      strings.Replace(smallYAML, "spawn_region: home", "spawn_region: nowhere", 1),
		"dup id":        strings.Replace(smallYAML, "id: shop", "id: home", 1),
		"bad urgency":   strings.Replace(smallYAML, "urgency: 0.5", "urgency: 1.5", 1),
		"zero size":     strings.Replace(smallYAML, "w: 80", "w: 0", 1),
		"bad affinity":  strings.Replace(smallYAML, "build: 0.9", "build: 2", 1),
		"no world size": strings.Replace(smallYAML, "width: 400", "width: 0", 1),
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoad_Repo(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "..", "configs", "regions.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Candidates()) < 3 {
		t.Fatalf("expected several candidate regions, got %d", len(c.Candidates()))
	}
	for _, r := range c.Candidates() {
		if len(c.Tasks[r.Type]) == 0 {
			t.Fatalf("region type %s has no task labels", r.Type)
		}
	}
}
