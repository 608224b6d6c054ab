package unique

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	socketSuffix = ".sock"
	lockSuffix   = ".lock"

	// maxSocketPath is the smallest sun_path size among supported platforms,
	// including the terminating NUL.
	maxSocketPath = 104
	// maxNamePrefix bounds the readable part of a hashed address name.
	maxNamePrefix = 32
)

// Address is the coordination address of an application identity: the
// socket a running instance listens on, and the lock file that serializes
// role selection between starting instances.
type Address struct {
	Identity string
	Dir      string
	Socket   string
	Lock     string
}

func (a Address) String() string {
	return a.Socket
}

// ResolveAddress derives the coordination address for identity in dir. It
// depends on nothing else, so equal inputs always yield equal addresses.
//
// Identities made of letters, digits, '.', '_' and '-' that fit the socket
// path limit are used as the file name as-is. Anything else is replaced by a
// sanitized prefix and a hash of the full identity.
func ResolveAddress(dir, identity string) (Address, error) {
	if identity == "" {
		return Address{}, ErrEmptyIdentity
	}
	name := identity
	if !plainName(identity) || !fitsSocketPath(dir, identity) {
		name = hashedName(identity)
	}
	if !fitsSocketPath(dir, name) {
		return Address{}, errors.Wrapf(ErrAddressTooLong, "%s", filepath.Join(dir, name+socketSuffix))
	}
	return Address{
		Identity: identity,
		Dir:      dir,
		Socket:   filepath.Join(dir, name+socketSuffix),
		Lock:     filepath.Join(dir, name+lockSuffix),
	}, nil
}

func fitsSocketPath(dir, name string) bool {
	return len(filepath.Join(dir, name+socketSuffix)) < maxSocketPath
}

func plainName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, r := range name {
		if !nameRune(r) {
			return false
		}
	}
	return true
}

func nameRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-'
}

func hashedName(identity string) string {
	prefix := strings.Map(func(r rune) rune {
		if nameRune(r) {
			return r
		}
		return '_'
	}, identity)
	prefix = strings.TrimLeft(prefix, ".")
	if len(prefix) > maxNamePrefix {
		prefix = prefix[:maxNamePrefix]
	}
	return fmt.Sprintf("%s-%016x", prefix, xxhash.Sum64String(identity))
}
