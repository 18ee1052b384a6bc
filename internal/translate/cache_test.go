package translate

import (
	"testing"
	"time"
)

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hello world", "hello world"},
		{"  hello   world  ", "hello world"},
		{"hello\tworld\n", "hello world"},
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := NormalizeText(c.in); got != c.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCachePutGet(t *testing.T) {
	c := NewLRUCache(time.Hour, 10)

	if _, ok := c.Get("hello", "en", "ta"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put("hello", "en", "ta", "வணக்கம்")
	got, ok := c.Get("hello", "en", "ta")
	if !ok || got != "வணக்கம்" {
		t.Fatalf("Get = %q, %v, want hit", got, ok)
	}

	// Different target language is a different key.
	if _, ok := c.Get("hello", "en", "fr"); ok {
		t.Fatal("expected miss for different target language")
	}
}

func TestCacheNormalizedKeys(t *testing.T) {
	c := NewLRUCache(time.Hour, 10)
	c.Put("Hello   everyone", "en", "ta", "x")

	if _, ok := c.Get("  Hello everyone  ", "en", "ta"); !ok {
		t.Fatal("expected hit: keys normalize to the same bytes")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewLRUCache(20*time.Millisecond, 10)
	c.Put("hello", "en", "ta", "x")

	if _, ok := c.Get("hello", "en", "ta"); !ok {
		t.Fatal("expected hit within the freshness window")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("hello", "en", "ta"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestCacheExpiredEntryIsReplaceable(t *testing.T) {
	c := NewLRUCache(10*time.Millisecond, 10)
	c.Put("hello", "en", "ta", "old")
	time.Sleep(20 * time.Millisecond)

	c.Put("hello", "en", "ta", "new")
	got, ok := c.Get("hello", "en", "ta")
	if !ok || got != "new" {
		t.Fatalf("Get = %q, %v, want replacement after expiry", got, ok)
	}
}

func TestCacheFirstWriterWins(t *testing.T) {
	c := NewLRUCache(time.Hour, 10)
	c.Put("hello", "en", "ta", "first")
	c.Put("hello", "en", "ta", "second")

	got, _ := c.Get("hello", "en", "ta")
	if got != "first" {
		t.Fatalf("Get = %q, want the first writer's value", got)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewLRUCache(time.Hour, 2)
	c.Put("a", "en", "ta", "1")
	c.Put("b", "en", "ta", "2")

	// Touch a so b becomes least recently used.
	if _, ok := c.Get("a", "en", "ta"); !ok {
		t.Fatal("expected hit for a")
	}

	c.Put("c", "en", "ta", "3")

	if _, ok := c.Get("b", "en", "ta"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get("a", "en", "ta"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get("c", "en", "ta"); !ok {
		t.Fatal("expected c to be present")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}
