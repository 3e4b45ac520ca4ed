package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "HTTPS://WWW.Continente.PT/produto/leite-123.html", "https://www.continente.pt/produto/leite-123.html"},
		{"drops fragment", "https://www.continente.pt/produto/leite-123.html#reviews", "https://www.continente.pt/produto/leite-123.html"},
		{"drops default port", "https://www.continente.pt:443/produto/a.html", "https://www.continente.pt/produto/a.html"},
		{"keeps other port", "http://localhost:8080/produto/a.html", "http://localhost:8080/produto/a.html"},
		{"sorts query", "https://shop.test/mercearia/?start=48&srule=FOOD", "https://shop.test/mercearia/?srule=FOOD&start=48"},
		{"keeps path case", "https://shop.test/produto/Azeite-Virgem.html", "https://shop.test/produto/Azeite-Virgem.html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLRejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("/produto/a.html")
	require.Error(t, err)

	_, err = NormalizeURL("://bad")
	require.Error(t, err)
}
