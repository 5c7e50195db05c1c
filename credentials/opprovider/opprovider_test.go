package opprovider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/booru-cache/credentials"
)

func TestRead_RejectsPlainValues(t *testing.T) {
	_, err := Read(context.Background(), "hunter2")
	require.ErrorContains(t, err, "not a secret reference")
}

func TestRead_MissingBinary(t *testing.T) {
	old := Binary
	Binary = "op-not-installed-here"
	t.Cleanup(func() { Binary = old })

	_, err := Read(context.Background(), "op://vault/item/field")
	require.Error(t, err)
}

func TestWithOnePassword_ErrorsSurfaceFromTemplate(t *testing.T) {
	r := credentials.NewResolver(WithOnePassword())
	_, err := r.ResolveReader(context.Background(),
		strings.NewReader(`{"sites":[{"name":"danbooru","login":"me","api_key":{{ op "plain" | json }}}]}`))
	require.ErrorContains(t, err, "not a secret reference")
}
