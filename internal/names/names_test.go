package names

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidInterfaceName(t *testing.T) {
	valid := []string{
		"com.example.App",
		"org.busbahnhof.Containers1",
		"a.b",
		"_a._b",
		"a1.b2.c3",
	}
	for _, s := range valid {
		assert.True(t, IsValidInterfaceName(s), "expected valid: %q", s)
	}

	invalid := []string{
		"",
		"NoDots",
		".starts.with.dot",
		"ends.with.dot.",
		"double..dot",
		"1starts.with.digit",
		"a.2b",
		"has.a-hyphen",
		"has.a space",
		"has.ünicode",
		strings.Repeat("a.", 140) + "b", // over 255 bytes
	}
	for _, s := range invalid {
		assert.False(t, IsValidInterfaceName(s), "expected invalid: %q", s)
	}
}

func TestIsValidBusName(t *testing.T) {
	assert.True(t, IsValidBusName("org.busbahnhof.Bus1"))
	assert.True(t, IsValidBusName("com.example-corp.App"))
	assert.True(t, IsValidBusName(":1.42"))

	assert.False(t, IsValidBusName(""))
	assert.False(t, IsValidBusName("single"))
	assert.False(t, IsValidBusName(":"))
	assert.False(t, IsValidBusName("3com.example"))
}

func TestIsValidUniqueName(t *testing.T) {
	assert.True(t, IsValidUniqueName(":1.0"))
	assert.True(t, IsValidUniqueName(":1.123.456"))

	assert.False(t, IsValidUniqueName("1.0"))
	assert.False(t, IsValidUniqueName(":1"))
	assert.False(t, IsValidUniqueName(":1."))
	assert.False(t, IsValidUniqueName(":1..2"))
}

func TestIsValidObjectPath(t *testing.T) {
	assert.True(t, IsValidObjectPath("/"))
	assert.True(t, IsValidObjectPath("/org/busbahnhof/Containers1/c0"))
	assert.True(t, IsValidObjectPath("/a"))

	assert.False(t, IsValidObjectPath(""))
	assert.False(t, IsValidObjectPath("no/leading/slash"))
	assert.False(t, IsValidObjectPath("/trailing/"))
	assert.False(t, IsValidObjectPath("//double"))
	assert.False(t, IsValidObjectPath("/bad-char"))
}
