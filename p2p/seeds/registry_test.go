package seeds

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixtureResolver(t *testing.T, records map[string][]string) *Resolver {
	t.Helper()
	return NewResolver(WithLookup(func(_ context.Context, fqdn string) ([]string, error) {
		recs, ok := records[fqdn]
		if !ok {
			return nil, errors.New("NXDOMAIN")
		}
		return recs, nil
	}))
}

func TestResolveParsesTXTEntries(t *testing.T) {
	r := fixtureResolver(t, map[string][]string{
		"_seed.example.org.": {
			"10.0.0.1:7420 10.0.0.2:7420",
			"[2001:db8::1]:7420",
		},
	})

	addrs, err := r.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:7420", "10.0.0.2:7420", "[2001:db8::1]:7420"}, addrs)
}

func TestResolveSkipsMalformedEntries(t *testing.T) {
	r := fixtureResolver(t, map[string][]string{
		"_seed.example.org.": {"not-an-addr 10.0.0.1:7420 10.0.0.1 :7420"},
	})

	addrs, err := r.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:7420"}, addrs)
}

func TestResolveDeduplicates(t *testing.T) {
	r := fixtureResolver(t, map[string][]string{
		"_seed.example.org.": {"10.0.0.1:7420", "10.0.0.1:7420 10.0.0.2:7420"},
	})

	addrs, err := r.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	require.Len(t, addrs, 2)
}

func TestResolveTrimsTrailingDot(t *testing.T) {
	r := fixtureResolver(t, map[string][]string{
		"_seed.example.org.": {"10.0.0.1:7420"},
	})

	addrs, err := r.Resolve(context.Background(), "example.org.")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
}

func TestResolveErrors(t *testing.T) {
	r := fixtureResolver(t, map[string][]string{
		"_seed.empty.org.": {"nothing valid here"},
	})

	_, err := r.Resolve(context.Background(), "")
	require.Error(t, err)

	_, err = r.Resolve(context.Background(), "missing.org")
	require.Error(t, err)

	_, err = r.Resolve(context.Background(), "empty.org")
	require.ErrorIs(t, err, errNoRecords)
}
