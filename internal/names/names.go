// Package names validates the string syntaxes used on the bus:
// interface names, bus names, unique connection names, and object paths.
package names

// MaxNameLength is the maximum length in bytes of any name on the bus.
const MaxNameLength = 255

// IsValidInterfaceName reports whether s is a syntactically valid
// interface name: two or more dot-separated elements, each a non-empty
// run of [A-Za-z0-9_] not starting with a digit, at most MaxNameLength
// bytes total.
func IsValidInterfaceName(s string) bool {
	if len(s) == 0 || len(s) > MaxNameLength {
		return false
	}
	elements := 0
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if !isValidElement(s[start:i], false) {
				return false
			}
			elements++
			start = i + 1
			continue
		}
	}
	return elements >= 2
}

// IsValidBusName reports whether s is a valid bus name: either a unique
// connection name (starting with ':') or a well-known name. Well-known
// name elements additionally allow '-'.
func IsValidBusName(s string) bool {
	if len(s) == 0 || len(s) > MaxNameLength {
		return false
	}
	if s[0] == ':' {
		return IsValidUniqueName(s)
	}
	elements := 0
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if !isValidElement(s[start:i], true) {
				return false
			}
			elements++
			start = i + 1
		}
	}
	return elements >= 2
}

// IsValidUniqueName reports whether s is a valid unique connection name:
// ':' followed by two or more dot-separated elements, where elements may
// begin with a digit.
func IsValidUniqueName(s string) bool {
	if len(s) < 2 || len(s) > MaxNameLength || s[0] != ':' {
		return false
	}
	body := s[1:]
	elements := 0
	start := 0
	for i := 0; i <= len(body); i++ {
		if i == len(body) || body[i] == '.' {
			element := body[start:i]
			if len(element) == 0 {
				return false
			}
			for j := 0; j < len(element); j++ {
				if !isNameByte(element[j], false) && !isDigit(element[j]) {
					return false
				}
			}
			elements++
			start = i + 1
		}
	}
	return elements >= 2
}

// IsValidObjectPath reports whether s is a valid object path: "/" alone,
// or '/'-separated non-empty elements of [A-Za-z0-9_] with no trailing
// slash.
func IsValidObjectPath(s string) bool {
	if len(s) == 0 || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	if s[len(s)-1] == '/' {
		return false
	}
	start := 1
	for i := 1; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			element := s[start:i]
			if len(element) == 0 {
				return false
			}
			for j := 0; j < len(element); j++ {
				c := element[j]
				if !isAlpha(c) && !isDigit(c) && c != '_' {
					return false
				}
			}
			start = i + 1
		}
	}
	return true
}

// isValidElement checks one dot-separated name element. allowHyphen is
// true for well-known bus names.
func isValidElement(element string, allowHyphen bool) bool {
	if len(element) == 0 {
		return false
	}
	if isDigit(element[0]) {
		return false
	}
	for i := 0; i < len(element); i++ {
		if !isNameByte(element[i], allowHyphen) {
			return false
		}
	}
	return true
}

func isNameByte(c byte, allowHyphen bool) bool {
	return isAlpha(c) || isDigit(c) || c == '_' || (allowHyphen && c == '-')
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
