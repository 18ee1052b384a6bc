package translate

import (
	"context"
	"sync"
	"time"

	"github.com/linguameet/caption-worker/internal/logging"
)

// Result is the outcome for one target language. When OK is false, Text
// carries the original untranslated text as a degraded fallback.
type Result struct {
	Text string
	OK   bool
}

// Fanout resolves one final transcript into translations for a set of target
// languages, concurrently, using the shared cache before the provider.
type Fanout struct {
	translator Translator
	cache      Cache
	timeout    time.Duration
}

// NewFanout creates a fan-out over the given translator and cache. timeout
// bounds each individual provider call.
func NewFanout(translator Translator, cache Cache, timeout time.Duration) *Fanout {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{translator: translator, cache: cache, timeout: timeout}
}

// TranslateAll obtains a translation for every target language. Lookups run
// concurrently and the call returns once every target has resolved; a slow or
// broken language degrades only its own entry, never the whole call.
func (f *Fanout) TranslateAll(ctx context.Context, text, sourceLang string, targets []string) map[string]Result {
	results := make(map[string]Result, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	seen := make(map[string]bool, len(targets))
	for _, target := range targets {
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true

		// Identity translation never touches the cache or the provider.
		if target == sourceLang {
			mu.Lock()
			results[target] = Result{Text: text, OK: true}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			res := f.translateOne(ctx, text, sourceLang, target)
			mu.Lock()
			results[target] = res
			mu.Unlock()
		}(target)
	}

	wg.Wait()
	return results
}

func (f *Fanout) translateOne(ctx context.Context, text, sourceLang, target string) Result {
	if cached, ok := f.cache.Get(text, sourceLang, target); ok {
		return Result{Text: cached, OK: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	translated, err := f.translator.Translate(callCtx, text, sourceLang, target)
	if err != nil {
		// Captions are never dropped, only occasionally untranslated.
		logging.Warning(logging.CategoryTranslate, "translation unavailable target=%s: %v", target, err)
		return Result{Text: text, OK: false}
	}

	f.cache.Put(text, sourceLang, target, translated)
	return Result{Text: translated, OK: true}
}
