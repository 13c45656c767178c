package introspection

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/codec"
	"github.com/c360/dbusbridge/errors"
)

// EmitsChangedAnnotation is the standard property change annotation
const EmitsChangedAnnotation = "org.freedesktop.DBus.Property.EmitsChangedSignal"

// interfaces the gateway itself speaks on behalf of mesh clients
var skipped = map[string]bool{
	bus.IntrospectableInterface: true,
	bus.PropertiesInterface:     true,
	bus.PeerInterface:           true,
}

// ParseObject decodes an introspection document for the object at path
func ParseObject(service string, path dbus.ObjectPath, doc string) (*Object, error) {
	var node introspect.Node
	if err := xml.Unmarshal([]byte(doc), &node); err != nil {
		return nil, errors.WrapInvalid(err, "introspection", "ParseObject", "decode introspection XML")
	}

	obj := &Object{Service: service, Path: path}
	for _, iface := range node.Interfaces {
		if skipped[iface.Name] {
			continue
		}
		obj.Interfaces = append(obj.Interfaces, convertInterface(iface))
	}
	for _, child := range node.Children {
		if child.Name == "" {
			continue
		}
		obj.Children = append(obj.Children, childPath(path, child.Name))
	}
	return obj, nil
}

func childPath(parent dbus.ObjectPath, name string) dbus.ObjectPath {
	name = strings.Trim(name, "/")
	if parent == "/" {
		return dbus.ObjectPath("/" + name)
	}
	return dbus.ObjectPath(string(parent) + "/" + name)
}

func convertInterface(in introspect.Interface) Interface {
	out := Interface{Name: in.Name}
	ifaceEmits := EmitsTrue
	if v, ok := annotation(in.Annotations, EmitsChangedAnnotation); ok {
		ifaceEmits = parseEmits(v)
	}

	for _, m := range in.Methods {
		out.Members = append(out.Members, convertMethod(m))
	}
	for _, s := range in.Signals {
		out.Members = append(out.Members, convertSignal(s))
	}
	for _, p := range in.Properties {
		out.Members = append(out.Members, convertProperty(p, ifaceEmits))
	}
	return out
}

func annotation(list []introspect.Annotation, name string) (string, bool) {
	for _, a := range list {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func parseEmits(v string) EmitsChanged {
	switch e := EmitsChanged(strings.TrimSpace(v)); e {
	case EmitsTrue, EmitsInvalidates, EmitsConst, EmitsFalse:
		return e
	default:
		return EmitsTrue
	}
}

func convertMethod(m introspect.Method) Member {
	member := Member{Kind: KindMethod, Name: m.Name}
	var in, out []introspect.Arg
	for _, a := range m.Args {
		if a.Direction == "out" {
			out = append(out, a)
		} else {
			in = append(in, a)
		}
	}

	var err error
	if member.In, err = convertArgs(in); err == nil {
		member.Out, err = convertArgs(out)
	}
	if err == nil {
		err = checkName(m.Name)
	}
	return opaque(member, err)
}

func convertSignal(s introspect.Signal) Member {
	member := Member{Kind: KindSignal, Name: s.Name}
	args, err := convertArgs(s.Args)
	member.In = args
	if err == nil {
		err = checkName(s.Name)
	}
	return opaque(member, err)
}

func convertProperty(p introspect.Property, ifaceEmits EmitsChanged) Member {
	member := Member{Name: p.Name, Access: p.Access, EmitsChanged: ifaceEmits}
	if v, ok := annotation(p.Annotations, EmitsChangedAnnotation); ok {
		member.EmitsChanged = parseEmits(v)
	}

	var err error
	switch p.Access {
	case AccessRead:
		member.Kind = KindReadableProperty
	case AccessWrite, AccessReadWrite:
		member.Kind = KindWritableProperty
	default:
		member.Kind = KindReadableProperty
		err = fmt.Errorf("unknown access %q", p.Access)
	}
	if err == nil {
		member.Type, err = parseSupported(p.Type)
	}
	if err == nil {
		err = checkName(p.Name)
	}
	return opaque(member, err)
}

func checkName(name string) error {
	if !bus.ValidMemberName(name) {
		return fmt.Errorf("invalid member name %q", name)
	}
	return nil
}

func opaque(m Member, err error) Member {
	if err != nil {
		m.Opaque = true
		m.Reason = err.Error()
	}
	return m
}

func parseSupported(sig string) (codec.Type, error) {
	t, err := codec.ParseType(sig)
	if err != nil {
		return codec.Type{}, err
	}
	if err := codec.Supported(t); err != nil {
		return codec.Type{}, err
	}
	return t, nil
}

// convertArgs types the arguments and names them: unnamed arguments become
// anon0, anon1, ... and a name already taken gets '_' appended until unique.
func convertArgs(in []introspect.Arg) ([]Arg, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]Arg, len(in))
	used := make(map[string]bool, len(in))
	anon := 0
	for i, a := range in {
		t, err := parseSupported(a.Type)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		name := a.Name
		if name == "" {
			name = "anon" + strconv.Itoa(anon)
			anon++
		}
		for used[name] {
			name += "_"
		}
		used[name] = true
		out[i] = Arg{Name: name, Type: t}
	}
	return out, nil
}
