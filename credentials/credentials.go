// Package credentials loads site accounts from a JSON template. Secrets
// are pulled in at render time through template functions, so the file
// itself can be committed:
//
//	{
//	  "sites": [
//	    {"name": "danbooru", "base_url": "https://danbooru.donmai.us",
//	     "login": "me", "api_key": {{ env "DANBOORU_API_KEY" | json }}}
//	  ]
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	boorucache "github.com/wolfeidau/booru-cache"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// Credentials is the rendered accounts file.
type Credentials struct {
	Sites []Account `json:"sites"`
}

// Account configures one site.
type Account struct {
	Name      boorucache.Site `json:"name"`
	BaseURL   string          `json:"base_url,omitempty"`
	Login     string          `json:"login,omitempty"`
	APIKey    string          `json:"api_key,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
}

// Account returns the entry for site.
func (c *Credentials) Account(site boorucache.Site) (Account, bool) {
	for _, a := range c.Sites {
		if a.Name == site {
			return a, true
		}
	}
	return Account{}, false
}

func (c *Credentials) validate() error {
	seen := make(map[boorucache.Site]bool, len(c.Sites))
	for i, a := range c.Sites {
		if a.Name == "" {
			return fmt.Errorf("site %d has no name", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("site %s listed twice", a.Name)
		}
		seen[a.Name] = true
		if (a.Login == "") != (a.APIKey == "") {
			return fmt.Errorf("site %s needs both login and api_key", a.Name)
		}
	}
	return nil
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders accounts templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver with the built-in env, envDefault, file
// and json functions plus any registered providers.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return r.ResolveReader(ctx, f)
}

// ResolveReader renders a template read from reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds %d bytes", maxTemplateSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("credentials template is empty")
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("rendering credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed %d bytes", maxTemplateSize)
	}

	var creds Credentials
	if err := json.Unmarshal(out.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("decoding rendered credentials: %w", err)
	}
	if err := creds.validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	r.logger.Debug("loaded site accounts", "count", len(creds.Sites))
	return &creds, nil
}

func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			if v, ok := os.LookupEnv(key); ok {
				return v, nil
			}
			return "", fmt.Errorf("environment variable %q is not set", key)
		},
		"envDefault": func(key, fallback string) string {
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading %q: %w", path, err)
			}
			return strings.TrimSpace(string(b)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	// One render asks each provider for a reference at most once.
	resolved := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + "\x00" + ref
			if v, ok := resolved[key]; ok {
				return v, nil
			}
			v, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("%s %q: %w", name, ref, err)
			}
			resolved[key] = v
			return v, nil
		}
	}
	return fm
}
