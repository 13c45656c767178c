package bus

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

func daemon(member string) Target {
	return Target{Service: DaemonName, Path: DaemonPath, Interface: DaemonInterface, Member: member}
}

func bodyString(body []any, method string) (string, error) {
	if len(body) != 1 {
		return "", fmt.Errorf("%s: reply has %d values, want 1", method, len(body))
	}
	s, ok := body[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: reply is %T, want string", method, body[0])
	}
	return s, nil
}

// ListNames returns every name currently on the bus
func ListNames(ctx context.Context, c Conn) ([]string, error) {
	body, err := c.Call(ctx, daemon("ListNames"))
	if err != nil {
		return nil, err
	}
	if len(body) != 1 {
		return nil, fmt.Errorf("ListNames: reply has %d values, want 1", len(body))
	}
	names, ok := body[0].([]string)
	if !ok {
		return nil, fmt.Errorf("ListNames: reply is %T, want []string", body[0])
	}
	return names, nil
}

// GetNameOwner returns the unique name owning name
func GetNameOwner(ctx context.Context, c Conn, name string) (string, error) {
	body, err := c.Call(ctx, daemon("GetNameOwner"), name)
	if err != nil {
		return "", err
	}
	return bodyString(body, "GetNameOwner")
}

// NameOwnerChangedRule matches the daemon's owner change notifications
func NameOwnerChangedRule() MatchRule {
	return MatchRule{
		Sender:    DaemonName,
		Path:      DaemonPath,
		Interface: DaemonInterface,
		Member:    NameOwnerChanged,
	}
}

// ParseNameOwnerChanged extracts (name, old owner, new owner) from a
// NameOwnerChanged signal
func ParseNameOwnerChanged(s *Signal) (name, oldOwner, newOwner string, ok bool) {
	if s.Interface != DaemonInterface || s.Member != NameOwnerChanged || len(s.Body) != 3 {
		return "", "", "", false
	}
	name, ok1 := s.Body[0].(string)
	oldOwner, ok2 := s.Body[1].(string)
	newOwner, ok3 := s.Body[2].(string)
	return name, oldOwner, newOwner, ok1 && ok2 && ok3
}

// Introspect returns the introspection XML of an object
func Introspect(ctx context.Context, c Conn, service string, path dbus.ObjectPath) (string, error) {
	body, err := c.Call(ctx, Target{Service: service, Path: path, Interface: IntrospectableInterface, Member: "Introspect"})
	if err != nil {
		return "", err
	}
	return bodyString(body, "Introspect")
}

func properties(service string, path dbus.ObjectPath, member string) Target {
	return Target{Service: service, Path: path, Interface: PropertiesInterface, Member: member}
}

// GetPropertyTarget addresses Properties.Get on an object
func GetPropertyTarget(service string, path dbus.ObjectPath) Target {
	return properties(service, path, "Get")
}

// SetPropertyTarget addresses Properties.Set on an object
func SetPropertyTarget(service string, path dbus.ObjectPath) Target {
	return properties(service, path, "Set")
}

// VariantValue unwraps a Properties.Get reply
func VariantValue(body []any) (any, error) {
	if len(body) != 1 {
		return nil, fmt.Errorf("Get: reply has %d values, want 1", len(body))
	}
	v, ok := body[0].(dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("Get: reply is %T, want variant", body[0])
	}
	return v.Value(), nil
}

// GetAllProperties reads every property of one interface
func GetAllProperties(ctx context.Context, c Conn, service string, path dbus.ObjectPath, iface string) (map[string]any, error) {
	body, err := c.Call(ctx, properties(service, path, "GetAll"), iface)
	if err != nil {
		return nil, err
	}
	if len(body) != 1 {
		return nil, fmt.Errorf("GetAll: reply has %d values, want 1", len(body))
	}
	raw, ok := body[0].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("GetAll: reply is %T, want a{sv}", body[0])
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v.Value()
	}
	return out, nil
}

// PropertiesChangedRule matches change notifications for one interface of
// one object owned by sender
func PropertiesChangedRule(sender string, path dbus.ObjectPath, iface string) MatchRule {
	return MatchRule{
		Sender:    sender,
		Path:      path,
		Interface: PropertiesInterface,
		Member:    PropertiesChanged,
		Arg0:      iface,
	}
}

// PropertiesChange is a decoded PropertiesChanged signal
type PropertiesChange struct {
	Interface   string
	Changed     map[string]any
	Invalidated []string
}

// ParsePropertiesChanged decodes a PropertiesChanged signal body
func ParsePropertiesChanged(s *Signal) (*PropertiesChange, error) {
	if len(s.Body) != 3 {
		return nil, fmt.Errorf("PropertiesChanged: body has %d values, want 3", len(s.Body))
	}
	iface, ok := s.Body[0].(string)
	if !ok {
		return nil, fmt.Errorf("PropertiesChanged: interface is %T", s.Body[0])
	}
	changed, ok := s.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("PropertiesChanged: changed is %T", s.Body[1])
	}
	invalidated, ok := s.Body[2].([]string)
	if !ok {
		return nil, fmt.Errorf("PropertiesChanged: invalidated is %T", s.Body[2])
	}

	pc := &PropertiesChange{Interface: iface, Changed: make(map[string]any, len(changed)), Invalidated: invalidated}
	for k, v := range changed {
		pc.Changed[k] = v.Value()
	}
	return pc, nil
}
