package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	got, ok := NormalizePhone("+1 (404) 555-0100")
	require.True(t, ok)
	require.Equal(t, "+14045550100", got)

	got, ok = NormalizePhone("404 555 0100")
	require.True(t, ok)
	require.Equal(t, "+14045550100", got)

	_, ok = NormalizePhone("not-a-number")
	require.False(t, ok)

	_, ok = NormalizePhone("   ")
	require.False(t, ok)
}

func TestPhoneOrRawFallsBack(t *testing.T) {
	require.Equal(t, "ext-12", PhoneOrRaw(" ext-12 "))
	require.Equal(t, "+14045550100", PhoneOrRaw("+14045550100"))
}

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("Hi {name}, ref {ref}", map[string]string{"name": "Ada", "ref": "R1"})
	require.Equal(t, "Hi Ada, ref R1", out)
}
