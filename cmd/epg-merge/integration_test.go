// Integration tests: hit the real upstream share. Opt in with
// EPG_MERGE_INTEGRATION=1 (in the environment or .env); skipped otherwise so
// regular test runs never touch the network.
// Run: EPG_MERGE_INTEGRATION=1 go test -v -run Integration ./cmd/epg-merge
package main

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/snapetech/epgmerge/internal/app"
	"github.com/snapetech/epgmerge/internal/config"
)

func TestIntegration_listSourcesAndHealth(t *testing.T) {
	for _, p := range []string{".env", "../.env", "../../.env"} {
		_ = config.LoadEnvFile(p)
	}
	if os.Getenv("EPG_MERGE_INTEGRATION") == "" {
		t.Skip("integration disabled (set EPG_MERGE_INTEGRATION=1 to hit the upstream share)")
	}

	t.Setenv("CONFIG_DIR", t.TempDir())
	t.Setenv("DATA_DIR", t.TempDir())
	cfg := config.Load()

	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Health.Check(ctx); err != nil {
		t.Fatalf("upstream health: %v", err)
	}

	sources, err := a.ListSources(ctx, 3, "iptv")
	if err != nil {
		t.Fatalf("ListSources(3, iptv): %v", err)
	}
	if len(sources) == 0 {
		t.Fatal("upstream published no 3-day iptv sources")
	}
	for _, src := range sources {
		if !strings.HasSuffix(src.Filename, ".xml.gz") {
			t.Errorf("unexpected source name %q", src.Filename)
		}
	}
	t.Logf("share lists %d 3-day iptv source(s); first: %s", len(sources), sources[0].Filename)
}
