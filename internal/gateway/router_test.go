package gateway

import "testing"

func TestRouter_GetGroupFromPath(t *testing.T) {
	router := NewRouter()
	router.AddGroup(&Group{Name: "mainnet"})
	router.AddGroup(&Group{Name: "testnet"})

	g, err := router.GetGroupFromPath("/mainnet")
	if err != nil || g.Name != "mainnet" {
		t.Fatalf("got (%v, %v), want mainnet", g, err)
	}

	g, err = router.GetGroupFromPath("/testnet/extra")
	if err != nil || g.Name != "testnet" {
		t.Fatalf("got (%v, %v), want testnet", g, err)
	}

	if _, err := router.GetGroupFromPath("/unknown"); err == nil {
		t.Error("expected error for unknown group")
	}

	// Bare path is ambiguous with two groups
	if _, err := router.GetGroupFromPath("/"); err == nil {
		t.Error("expected error for bare path with multiple groups")
	}
}

func TestRouter_BarePathWithSingleGroup(t *testing.T) {
	router := NewRouter()
	router.AddGroup(&Group{Name: "only"})

	g, err := router.GetGroupFromPath("/")
	if err != nil || g.Name != "only" {
		t.Fatalf("got (%v, %v), want only", g, err)
	}
}

func TestExtractGroupName(t *testing.T) {
	cases := map[string]string{
		"/mainnet":       "mainnet",
		"/mainnet/":      "mainnet",
		"/mainnet/other": "mainnet",
		"/":              "",
		"":               "",
	}
	for path, want := range cases {
		if got := ExtractGroupName(path); got != want {
			t.Errorf("ExtractGroupName(%q) = %q, want %q", path, got, want)
		}
	}
}
