package bus

import "strings"

const maxNameLength = 255

// IsUniqueName reports whether name is a connection's unique name (":1.42")
func IsUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// ValidBusName checks well-known and unique bus names
func ValidBusName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	unique := IsUniqueName(name)
	if unique {
		name = name[1:]
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" {
			return false
		}
		if !unique && isDigit(e[0]) {
			return false
		}
		for i := 0; i < len(e); i++ {
			if !isNameChar(e[i]) && e[i] != '-' {
				return false
			}
		}
	}
	return true
}

// ValidInterfaceName checks an interface name: two or more dot separated
// elements of [A-Za-z0-9_], none starting with a digit
func ValidInterfaceName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validElement(e) {
			return false
		}
	}
	return true
}

// ValidMemberName checks a method, signal or property name
func ValidMemberName(name string) bool {
	return len(name) <= maxNameLength && validElement(name)
}

func validElement(e string) bool {
	if e == "" || isDigit(e[0]) {
		return false
	}
	for i := 0; i < len(e); i++ {
		if !isNameChar(e[i]) {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameChar(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
