package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
)

// StaticCookies serves a fixed cookie set from config.
type StaticCookies map[string]string

func (s StaticCookies) Credentials(context.Context) ([]*http.Cookie, error) {
	return cookieList(s), nil
}

// FileCookies re-reads a JSON object of name -> value pairs on every call,
// so a refreshed session cookie is picked up without a restart. Base cookies
// are merged underneath; the file wins on duplicate names.
type FileCookies struct {
	Path string
	Base map[string]string
}

func (f FileCookies) Credentials(context.Context) ([]*http.Cookie, error) {
	merged := make(map[string]string, len(f.Base))
	for k, v := range f.Base {
		merged[k] = v
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("cookie file: %w", err)
	}
	var fromFile map[string]string
	if err := json.Unmarshal(b, &fromFile); err != nil {
		return nil, fmt.Errorf("cookie file %s: %w", f.Path, err)
	}
	for k, v := range fromFile {
		merged[k] = v
	}
	return cookieList(merged), nil
}

func cookieList(m map[string]string) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(m))
	for name, val := range m {
		out = append(out, &http.Cookie{Name: name, Value: val})
	}
	// Stable order keeps request bytes reproducible.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
