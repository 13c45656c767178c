package bus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidBusName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"com.example.Clock", true},
		{"org.freedesktop.DBus", true},
		{"com.example-corp.Svc", true},
		{":1.42", true},
		{"", false},
		{"single", false},
		{"com..example", false},
		{"com.1example", false},
		{"com.example.", false},
		{"com.ex ample", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidBusName(tt.name))
		})
	}
}

func TestValidInterfaceAndMemberNames(t *testing.T) {
	assert.True(t, ValidInterfaceName("com.example.Clock"))
	assert.False(t, ValidInterfaceName("com.example-corp.Clock"))
	assert.False(t, ValidInterfaceName("Clock"))
	assert.False(t, ValidInterfaceName("com.2example"))

	assert.True(t, ValidMemberName("Time"))
	assert.True(t, ValidMemberName("_private2"))
	assert.False(t, ValidMemberName(""))
	assert.False(t, ValidMemberName("9lives"))
	assert.False(t, ValidMemberName("Get.All"))
}

func TestIsUniqueName(t *testing.T) {
	assert.True(t, IsUniqueName(":1.7"))
	assert.False(t, IsUniqueName("com.example.Clock"))
}

func TestFromDBus(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, fromDBus(nil))
	})

	t.Run("value error", func(t *testing.T) {
		err := fromDBus(dbus.Error{Name: ErrorUnknownMethod, Body: []any{"no such method"}})
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, ErrorUnknownMethod, re.Name)
		assert.Equal(t, "no such method", re.Message)
	})

	t.Run("pointer error", func(t *testing.T) {
		err := fromDBus(&dbus.Error{Name: ErrorFailed})
		assert.True(t, IsRemote(err, ErrorFailed))
		assert.Equal(t, ErrorFailed, err.Error())
	})

	t.Run("wrapped remote passes through", func(t *testing.T) {
		orig := &RemoteError{Name: ErrorInvalidArgs, Message: "bad"}
		wrapped := fmt.Errorf("call: %w", orig)
		assert.Same(t, wrapped, fromDBus(wrapped))
		assert.True(t, IsRemote(wrapped, ErrorInvalidArgs))
	})

	t.Run("other errors unchanged", func(t *testing.T) {
		assert.Same(t, ErrClosed, fromDBus(ErrClosed))
		assert.False(t, IsRemote(ErrClosed, ErrorFailed))
	})
}

func TestRemoteError_DBusError(t *testing.T) {
	name, body := (&RemoteError{Name: ErrorFailed, Message: "boom"}).DBusError()
	assert.Equal(t, ErrorFailed, name)
	assert.Equal(t, []any{"boom"}, body)
	assert.Equal(t, ErrorFailed+": boom", (&RemoteError{Name: ErrorFailed, Message: "boom"}).Error())
}

func TestTarget(t *testing.T) {
	tg := Target{Service: "com.example.Clock", Path: "/Clock", Interface: "com.example.Clock", Member: "Tick"}
	assert.Equal(t, "com.example.Clock.Tick", tg.Method())
	assert.Equal(t, "com.example.Clock:/Clock:com.example.Clock.Tick", tg.String())
}

func TestSplitName(t *testing.T) {
	iface, member := splitName("org.freedesktop.DBus.Properties.PropertiesChanged")
	assert.Equal(t, PropertiesInterface, iface)
	assert.Equal(t, PropertiesChanged, member)

	iface, member = splitName("Bare")
	assert.Empty(t, iface)
	assert.Equal(t, "Bare", member)
}

func TestMatchOptions(t *testing.T) {
	assert.Empty(t, matchOptions(MatchRule{}))
	assert.Len(t, matchOptions(NameOwnerChangedRule()), 4)
	assert.Len(t, matchOptions(PropertiesChangedRule(":1.3", "/Clock", "com.example.Clock")), 5)
}

func TestParseNameOwnerChanged(t *testing.T) {
	s := &Signal{Interface: DaemonInterface, Member: NameOwnerChanged, Body: []any{"com.example.Clock", "", ":1.5"}}
	name, oldOwner, newOwner, ok := ParseNameOwnerChanged(s)
	require.True(t, ok)
	assert.Equal(t, "com.example.Clock", name)
	assert.Empty(t, oldOwner)
	assert.Equal(t, ":1.5", newOwner)

	_, _, _, ok = ParseNameOwnerChanged(&Signal{Interface: DaemonInterface, Member: NameOwnerChanged, Body: []any{"x"}})
	assert.False(t, ok)
	_, _, _, ok = ParseNameOwnerChanged(&Signal{Interface: "com.example", Member: NameOwnerChanged, Body: []any{"a", "b", "c"}})
	assert.False(t, ok)
}

func TestParsePropertiesChanged(t *testing.T) {
	s := &Signal{
		Interface: PropertiesInterface,
		Member:    PropertiesChanged,
		Body: []any{
			"com.example.Clock",
			map[string]dbus.Variant{"Time": dbus.MakeVariant(int64(5))},
			[]string{"Zone"},
		},
	}
	pc, err := ParsePropertiesChanged(s)
	require.NoError(t, err)
	assert.Equal(t, "com.example.Clock", pc.Interface)
	assert.Equal(t, map[string]any{"Time": int64(5)}, pc.Changed)
	assert.Equal(t, []string{"Zone"}, pc.Invalidated)

	_, err = ParsePropertiesChanged(&Signal{Body: []any{"x", 1, 2}})
	assert.Error(t, err)
	_, err = ParsePropertiesChanged(&Signal{Body: []any{"x"}})
	assert.Error(t, err)
}

func TestVariantValue(t *testing.T) {
	v, err := VariantValue([]any{dbus.MakeVariant("hello")})
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = VariantValue([]any{"hello"})
	assert.Error(t, err)
	_, err = VariantValue(nil)
	assert.Error(t, err)
}
