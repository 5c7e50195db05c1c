package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, r *Resolver, input string) (*Credentials, error) {
	t.Helper()
	return r.ResolveReader(context.Background(), strings.NewReader(input))
}

func TestResolveReader_Env(t *testing.T) {
	t.Setenv("DANBOORU_API_KEY", "secret123")

	creds, err := resolve(t, NewResolver(),
		`{"sites":[{"name":"danbooru","login":"me","api_key":{{ env "DANBOORU_API_KEY" | json }}}]}`)
	require.NoError(t, err)

	acct, ok := creds.Account("danbooru")
	require.True(t, ok)
	assert.Equal(t, "me", acct.Login)
	assert.Equal(t, "secret123", acct.APIKey)

	_, ok = creds.Account("yandere")
	assert.False(t, ok)
}

func TestResolveReader_EnvMissing(t *testing.T) {
	_, err := resolve(t, NewResolver(),
		`{"sites":[{"name":"danbooru","login":"me","api_key":{{ env "NO_SUCH_VAR_BOORU" | json }}}]}`)
	require.ErrorContains(t, err, "NO_SUCH_VAR_BOORU")
}

func TestResolveReader_EnvDefault(t *testing.T) {
	creds, err := resolve(t, NewResolver(),
		`{"sites":[{"name":"danbooru","base_url":{{ envDefault "NO_SUCH_VAR_BOORU" "https://danbooru.donmai.us" | json }}}]}`)
	require.NoError(t, err)
	assert.Equal(t, "https://danbooru.donmai.us", creds.Sites[0].BaseURL)
}

func TestResolveReader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	creds, err := resolve(t, NewResolver(),
		`{"sites":[{"name":"danbooru","login":"me","api_key":{{ file "`+path+`" | json }}}]}`)
	require.NoError(t, err)
	assert.Equal(t, "from-file", creds.Sites[0].APIKey)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("BOORU_UA", `agent "quoted" \slash`)

	creds, err := resolve(t, NewResolver(),
		`{"sites":[{"name":"danbooru","user_agent":{{ env "BOORU_UA" | json }}}]}`)
	require.NoError(t, err)
	assert.Equal(t, `agent "quoted" \slash`, creds.Sites[0].UserAgent)
}

func TestResolveReader_ProviderCalledOncePerRef(t *testing.T) {
	calls := 0
	provider := func(_ context.Context, ref string) (string, error) {
		calls++
		return "resolved-" + ref, nil
	}

	creds, err := resolve(t, NewResolver(WithProvider("vault", provider)), `{"sites":[
		{"name":"danbooru","login":"me","api_key":{{ vault "shared" | json }}},
		{"name":"safebooru","login":"me","api_key":{{ vault "shared" | json }}}
	]}`)
	require.NoError(t, err)
	assert.Equal(t, "resolved-shared", creds.Sites[1].APIKey)
	assert.Equal(t, 1, calls)
}

func TestResolveReader_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "  \n", "empty"},
		{"not json", `{"sites": [`, "decoding"},
		{"unknown function", `{{ nope "x" }}`, "parsing"},
		{"missing name", `{"sites":[{"login":"a","api_key":"b"}]}`, "no name"},
		{"duplicate", `{"sites":[{"name":"a"},{"name":"a"}]}`, "twice"},
		{"half account", `{"sites":[{"name":"a","login":"me"}]}`, "both login and api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve(t, NewResolver(), tt.input)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestResolveReader_Oversized(t *testing.T) {
	_, err := resolve(t, NewResolver(), strings.Repeat(" ", maxTemplateSize+1))
	require.ErrorContains(t, err, "exceeds")
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sites":[{"name":"yandere","base_url":"https://yande.re"}]}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://yande.re", creds.Sites[0].BaseURL)

	_, err = NewResolver().ResolveFile(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
