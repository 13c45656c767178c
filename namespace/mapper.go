// Package namespace maps bus members to mesh paths and back.
//
// A member (service, object path, interface, member) lives at
//
//	<root>/<service>/<object path segments...>[/<interface>]/<member>
//
// The interface segment is left out when it equals the service name. Every
// segment is escaped: bytes outside [A-Za-z0-9_-] become '=' and two upper
// case hex digits, except that '.' stays literal in the service and
// interface segments. Object path and member segments therefore never hold
// a '.', while an interface segment always does, which is what makes the
// mapping reversible.
package namespace

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/mesh"
)

// ErrInvalidKey is returned for keys that break bus naming rules
var ErrInvalidKey = stderrors.New("namespace: invalid key")

// DefaultRoot is where bus services appear unless configured otherwise
const DefaultRoot mesh.Path = "local/dbus"

// Key identifies one member on the bus
type Key struct {
	Service   string
	Object    dbus.ObjectPath
	Interface string
	Member    string
}

func (k Key) String() string {
	return k.Service + ":" + string(k.Object) + ":" + k.Interface + "." + k.Member
}

// Validate checks every field against the bus naming rules
func (k Key) Validate() error {
	switch {
	case !bus.ValidBusName(k.Service):
		return fmt.Errorf("%w: service %q", ErrInvalidKey, k.Service)
	case !k.Object.IsValid():
		return fmt.Errorf("%w: object path %q", ErrInvalidKey, k.Object)
	case !bus.ValidInterfaceName(k.Interface):
		return fmt.Errorf("%w: interface %q", ErrInvalidKey, k.Interface)
	case !bus.ValidMemberName(k.Member):
		return fmt.Errorf("%w: member %q", ErrInvalidKey, k.Member)
	}
	return nil
}

// Mapper converts between keys and mesh paths under Root
type Mapper struct {
	Root mesh.Path
}

// New returns a mapper rooted at root, or DefaultRoot when root is empty
func New(root mesh.Path) Mapper {
	if root == "" {
		root = DefaultRoot
	}
	return Mapper{Root: mesh.Path(strings.Trim(string(root), "/"))}
}

// ServicePath is the subtree holding everything published for service
func (m Mapper) ServicePath(service string) mesh.Path {
	return m.Root.Child(Escape(service, true))
}

// ToMeshPath returns the path a member is published at
func (m Mapper) ToMeshPath(k Key) (mesh.Path, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}

	p := m.ServicePath(k.Service)
	for _, seg := range objectSegments(k.Object) {
		p = p.Child(Escape(seg, false))
	}
	if k.Interface != k.Service {
		p = p.Child(Escape(k.Interface, true))
	}
	return p.Child(Escape(k.Member, false)), nil
}

// FromMeshPath recovers the key published at p. It reports false for paths
// outside Root and for paths no valid key maps to.
func (m Mapper) FromMeshPath(p mesh.Path) (Key, bool) {
	if !p.Under(m.Root) || p == m.Root {
		return Key{}, false
	}
	rest := strings.TrimPrefix(string(p), string(m.Root))
	rest = strings.TrimPrefix(rest, "/")
	segs := strings.Split(rest, "/")
	if len(segs) < 2 {
		return Key{}, false
	}

	var k Key
	var ok bool
	if k.Service, ok = Unescape(segs[0], true); !ok {
		return Key{}, false
	}
	if k.Member, ok = Unescape(segs[len(segs)-1], false); !ok {
		return Key{}, false
	}

	objs := segs[1 : len(segs)-1]
	k.Interface = k.Service
	if n := len(objs); n > 0 && strings.Contains(objs[n-1], ".") {
		if k.Interface, ok = Unescape(objs[n-1], true); !ok {
			return Key{}, false
		}
		objs = objs[:n-1]
	}

	parts := make([]string, len(objs))
	for i, s := range objs {
		if parts[i], ok = Unescape(s, false); !ok {
			return Key{}, false
		}
	}
	k.Object = dbus.ObjectPath("/" + strings.Join(parts, "/"))

	if k.Validate() != nil {
		return Key{}, false
	}
	// only the canonical spelling of a key is accepted
	if canonical, err := m.ToMeshPath(k); err != nil || canonical != p {
		return Key{}, false
	}
	return k, true
}

func objectSegments(p dbus.ObjectPath) []string {
	s := strings.Trim(string(p), "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

const hexDigits = "0123456789ABCDEF"

func plain(c byte, keepDot bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	case c == '.':
		return keepDot
	}
	return false
}

// Escape encodes one path segment. keepDot leaves '.' literal, which is
// used for service and interface segments only.
func Escape(s string, keepDot bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if plain(c, keepDot) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('=')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// Unescape reverses Escape. It rejects malformed escapes and bytes Escape
// would never produce.
func Unescape(s string, keepDot bool) (string, bool) {
	if s == "" {
		return "", false
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '=' {
			if !plain(c, keepDot) {
				return "", false
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", false
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), true
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
