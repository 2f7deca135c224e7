package api_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwire/gatehouse/api"
	"github.com/inkwire/gatehouse/trust"
)

func decode(t *testing.T, body string) *api.Args {
	t.Helper()
	args, err := api.DecodeArgs(strings.NewReader(body))
	require.NoError(t, err)
	return args
}

func TestDecodeArgsHexFields(t *testing.T) {
	guid := strings.Repeat("ab", 32)

	args := decode(t, `{"guid":"`+strings.ToUpper(guid)+`"}`)
	require.NotNil(t, args.GUID)
	assert.Equal(t, guid, *args.GUID, "hex arrives lowercased")

	// Malformed fields degrade to absent instead of failing the
	// request; presence checks happen in the handlers.
	for _, bad := range []string{
		`{"guid":"xyz"}`,
		`{"guid":"` + guid + `00"}`,
		`{"guid":123}`,
	} {
		args := decode(t, bad)
		assert.Nil(t, args.GUID, "input %s", bad)
	}

	args = decode(t, `{"nonce":"` + strings.Repeat("g", 64) + `"}`)
	assert.Nil(t, args.Nonce)
}

func TestDecodeArgsLegacyBooleans(t *testing.T) {
	args := decode(t, `{"sticky":true,"restore":"1","on":"0"}`)
	require.NotNil(t, args.Sticky)
	require.NotNil(t, args.Restore)
	require.NotNil(t, args.On)
	assert.True(t, *args.Sticky)
	assert.True(t, *args.Restore)
	assert.False(t, *args.On)

	args = decode(t, `{"on":"yes"}`)
	assert.Nil(t, args.On)
}

func TestDecodeArgsNumbers(t *testing.T) {
	args := decode(t, `{"t":5,"nr":"42"}`)
	require.NotNil(t, args.Minutes)
	require.NotNil(t, args.Nr)
	assert.EqualValues(t, 5, *args.Minutes)
	assert.EqualValues(t, 42, *args.Nr)

	for _, bad := range []string{
		`{"nr":-1}`,
		`{"nr":1.5}`,
		`{"nr":4294967296}`,
		`{"nr":"1e3"}`,
	} {
		args := decode(t, bad)
		assert.Nil(t, args.Nr, "input %s", bad)
	}
}

func TestDecodeArgsText(t *testing.T) {
	args := decode(t, `{"alias":"front door"}`)
	require.NotNil(t, args.Alias)
	assert.Equal(t, "front door", *args.Alias)

	args = decode(t, `{"alias":"line\nbreak"}`)
	assert.Nil(t, args.Alias)

	args = decode(t, `{"task":"not a word"}`)
	assert.Nil(t, args.Task)
}

func TestDecodeArgsAddresses(t *testing.T) {
	args := decode(t, `{"addr":"203.0.113.9"}`)
	require.NotNil(t, args.Addr)
	assert.Equal(t, "203.0.113.9", *args.Addr)

	args = decode(t, `{"addr":"2001:DB8::1"}`)
	require.NotNil(t, args.Addr)
	assert.Equal(t, "2001:db8::1", *args.Addr, "addresses arrive canonicalized")

	for _, bad := range []string{
		`{"addr":"300.0.113.9"}`,
		`{"addr":"example.com"}`,
		`{"addr":7}`,
	} {
		args := decode(t, bad)
		assert.Nil(t, args.Addr, "input %s", bad)
	}
}

func TestDecodeArgsData(t *testing.T) {
	args := decode(t, `{"data":"aGVsbG8="}`)
	require.NotNil(t, args.Data)

	args = decode(t, `{"data":"not base64!"}`)
	assert.Nil(t, args.Data)
}

func TestDecodeArgsBodyShape(t *testing.T) {
	args := decode(t, "")
	assert.Nil(t, args.GUID)

	_, err := api.DecodeArgs(strings.NewReader(`[1,2,3]`))
	require.Error(t, err)
	assert.True(t, trust.IsCode(err, trust.InvalidArgument))
}
