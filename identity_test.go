package unique

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestResolveAddressDeterministic(t *testing.T) {
	for _, id := range []string{"app", "org.example.Editor", "with space", strings.Repeat("x", 200)} {
		a1, err := ResolveAddress("/run/user/1000/unique", id)
		require.NoError(t, err)
		a2, err := ResolveAddress("/run/user/1000/unique", id)
		require.NoError(t, err)
		require.Equal(t, a1, a2)
		require.Equal(t, id, a1.Identity)
		require.Equal(t, "/run/user/1000/unique", filepath.Dir(a1.Socket))
		require.Equal(t, filepath.Dir(a1.Socket), filepath.Dir(a1.Lock))
	}
}

func TestResolveAddressPlainName(t *testing.T) {
	addr, err := ResolveAddress("/tmp/unique", "org.example.Editor")
	require.NoError(t, err)
	require.Equal(t, "/tmp/unique/org.example.Editor.sock", addr.Socket)
	require.Equal(t, "/tmp/unique/org.example.Editor.lock", addr.Lock)
	require.Equal(t, addr.Socket, addr.String())
}

func TestResolveAddressHashed(t *testing.T) {
	cases := []string{
		"with space",
		"../escape",
		".hidden",
		"slash/inside",
		strings.Repeat("long", 40),
	}
	seen := map[string]string{}
	for _, id := range cases {
		addr, err := ResolveAddress("/tmp/unique", id)
		require.NoError(t, err)
		require.Equal(t, "/tmp/unique", filepath.Dir(addr.Socket), "identity %q must not escape the runtime dir", id)
		require.Less(t, len(addr.Socket), maxSocketPath)
		require.NotContains(t, filepath.Base(addr.Socket), " ")
		if other, ok := seen[addr.Socket]; ok {
			t.Fatalf("identities %q and %q share socket %q", id, other, addr.Socket)
		}
		seen[addr.Socket] = id
	}
}

func TestResolveAddressDistinct(t *testing.T) {
	// sanitizing maps both to the same prefix, the hash keeps them apart
	a1, err := ResolveAddress("/tmp/unique", "a b")
	require.NoError(t, err)
	a2, err := ResolveAddress("/tmp/unique", "a/b")
	require.NoError(t, err)
	require.NotEqual(t, a1.Socket, a2.Socket)
}

func TestResolveAddressErrors(t *testing.T) {
	_, err := ResolveAddress("/tmp/unique", "")
	require.Equal(t, ErrEmptyIdentity, err)

	_, err = ResolveAddress("/"+strings.Repeat("d", 120), "app")
	require.Equal(t, ErrAddressTooLong, errors.Cause(err))
}

func TestRuntimeDir(t *testing.T) {
	vars := map[string]string{}
	e := &env{
		getenv:      func(k string) string { return vars[k] },
		userHomeDir: func() (string, error) { return "/home/someone", nil },
	}

	dir, err := e.runtimeDir()
	require.NoError(t, err)
	require.Equal(t, "/home/someone/.local/var/run/unique", dir)

	vars["XDG_RUNTIME_DIR"] = "/run/user/1000"
	dir, err = e.runtimeDir()
	require.NoError(t, err)
	require.Equal(t, "/run/user/1000/unique", dir)

	vars[RuntimeDirEnv] = "/srv/sockets"
	dir, err = e.runtimeDir()
	require.NoError(t, err)
	require.Equal(t, "/srv/sockets", dir)

	e.userHomeDir = func() (string, error) { return "", errors.New("no home") }
	delete(vars, RuntimeDirEnv)
	delete(vars, "XDG_RUNTIME_DIR")
	_, err = e.runtimeDir()
	require.Error(t, err)
}
