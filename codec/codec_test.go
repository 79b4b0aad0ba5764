package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSetRoundTrip(t *testing.T) {
	h := NewHeaderSet("openchannel")
	h.AddInt("channelid", 7)
	h.AddFlag("verbose")
	h.Add("empty", "")
	h.Add("tricky", "a=b&c%d\r\n?;e")
	h.AddStrings("ids", []string{"1037/a,b", `back\slash`, "plain"})
	h.AddBytes("nonce", []byte{0x00, 0xff, 0x10})

	got := Parse(h.Bytes())
	assert.Equal(t, h.Type, got.Type)
	assert.Equal(t, h.Headers(), got.Headers())

	v, ok := got.Get("verbose")
	assert.False(t, ok)
	assert.Equal(t, "", v)
	assert.True(t, got.Has("verbose"))

	v, ok = got.Get("empty")
	assert.True(t, ok)
	assert.Equal(t, "", v)

	assert.Equal(t, "a=b&c%d\r\n?;e", got.GetString("tricky", ""))
	assert.Equal(t, []string{"1037/a,b", `back\slash`, "plain"}, got.GetStrings("ids"))
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, got.GetBytes("nonce"))
	assert.Equal(t, 7, got.GetInt("ChannelID", 0))
}

func TestEscaping(t *testing.T) {
	h := NewHeaderSet("t")
	h.Add("k", "x=y")
	assert.Equal(t, "t:k=x%3Dy\n", string(h.Bytes()))

	got := Parse([]byte("t:k=x%3dy&bad=%zz&short=%4"))
	assert.Equal(t, "x=y", got.GetString("k", ""))
	assert.Equal(t, "%zz", got.GetString("bad", ""))
	assert.Equal(t, "%4", got.GetString("short", ""))
}

func TestTypeWithColonRoundTrips(t *testing.T) {
	h := NewHeaderSet("urn:do:op")
	h.Add("target", "tcp://host:2641")
	line := h.Bytes()
	assert.Equal(t, "urn%3Ado%3Aop:target=tcp%3A//host%3A2641\n", string(line))

	got := Parse(line)
	assert.Equal(t, "urn:do:op", got.Type)
	assert.Equal(t, "tcp://host:2641", got.GetString("target", ""))
}

func TestEscapingIsBytewise(t *testing.T) {
	h := NewHeaderSet("t")
	h.Add("name", "café=1")
	line := h.Bytes()
	assert.Equal(t, "t:name=café%3D1\n", string(line))
	assert.Equal(t, "café=1", Parse(line).GetString("name", ""))
}

func TestLastHeaderWins(t *testing.T) {
	got := Parse([]byte("response:status=error&STATUS=success"))
	assert.Equal(t, "success", got.GetString("status", ""))

	got.Remove("Status")
	assert.False(t, got.Has("status"))
	assert.Equal(t, 0, got.Len())
}

func TestTypedDefaults(t *testing.T) {
	h := Parse([]byte("x:n=notanumber&b=maybe&y=yes&f=no&hex=zz"))
	assert.Equal(t, 5, h.GetInt("n", 5))
	assert.Equal(t, int64(9), h.GetInt64("missing", 9))
	assert.True(t, h.GetBool("b", true))
	assert.True(t, h.GetBool("y", false))
	assert.False(t, h.GetBool("f", true))
	assert.Nil(t, h.GetBytes("hex"))
	assert.Nil(t, h.GetStrings("missing"))
}

func TestParseEdgeCases(t *testing.T) {
	empty := Parse([]byte(""))
	assert.Equal(t, "", empty.Type)
	assert.Equal(t, 0, empty.Len())

	typeOnly := Parse([]byte("block"))
	assert.Equal(t, "block", typeOnly.Type)
	assert.Equal(t, 0, typeOnly.Len())

	noHeaders := Parse([]byte("unblock:\n"))
	assert.Equal(t, "unblock", noHeaders.Type)
	assert.Equal(t, 0, noHeaders.Len())

	partial := Parse([]byte("t:a=1&&=2&b"))
	assert.Equal(t, "1", partial.GetString("a", ""))
	assert.True(t, partial.Has("b"))
}

func TestSubHeaders(t *testing.T) {
	params := NewHeaderSet("")
	params.Add("name", "value")
	params.AddFlag("flag")

	h := NewHeaderSet("do")
	h.Add("objectid", "X/1")
	h.AddHeaders("params", params)

	got := Parse(h.Bytes())
	assert.Equal(t, "value", got.GetString("params.name", ""))

	sub := got.Subset("params")
	assert.Equal(t, "do", sub.Type)
	assert.Equal(t, params.Headers(), sub.Headers())
	assert.False(t, sub.Has("objectid"))
}

func TestCloneIsDeep(t *testing.T) {
	h := NewHeaderSet("t")
	h.Add("a", "1")
	c := h.Clone()
	c.Headers()[0].Value[0] = '2'
	assert.Equal(t, "1", h.GetString("a", ""))
}

func TestEncoderDecoderStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	req := NewHeaderSet("do")
	req.Add("callerid", "anon")
	require.NoError(t, enc.Encode(req))
	resp := NewHeaderSet("response")
	resp.Add("status", "success")
	require.NoError(t, enc.Encode(resp))
	buf.WriteString("payload")

	dec := NewDecoder(&buf)
	got, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "do", got.Type)
	assert.Equal(t, "anon", got.GetString("callerid", ""))
	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "success", got.GetString("status", ""))
	assert.Equal(t, "payload", buf.String())

	_, err = NewDecoder(&bytes.Buffer{}).Decode()
	assert.Equal(t, io.EOF, err)
}

type request struct {
	CallerID    string   `header:"callerid"`
	ObjectID    string   `header:"objectid"`
	OperationID string   `header:"operationid"`
	Encrypt     bool     `header:"setup_encryption"`
	Nonce       []byte   `header:"nonce"`
	Delegated   []string `header:"delegatedids"`
	Major       int      `header:"protocol_major_version"`
}

func TestDecodeStruct(t *testing.T) {
	h := NewHeaderSet("do")
	h.Add("CallerID", "anon")
	h.Add("objectid", "X/1")
	h.Add("operationid", "1037/5")
	h.Add("setup_encryption", "yes")
	h.AddBytes("nonce", []byte{1, 2})
	h.AddStrings("delegatedids", []string{"a", "b,c"})
	h.AddInt("protocol_major_version", 1)

	var req request
	require.NoError(t, h.Decode(&req))
	assert.Equal(t, request{
		CallerID:    "anon",
		ObjectID:    "X/1",
		OperationID: "1037/5",
		Encrypt:     true,
		Nonce:       []byte{1, 2},
		Delegated:   []string{"a", "b,c"},
		Major:       1,
	}, req)
}

type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReadLine(t *testing.T) {
	r := oneByteReader{bytes.NewReader([]byte("first\r\nsecond\n\nlast"))}
	for _, want := range []string{"first", "second", "", "last"} {
		line, err := ReadLine(r)
		require.NoError(t, err)
		assert.Equal(t, want, string(line))
	}
	_, err := ReadLine(r)
	assert.Equal(t, io.EOF, err)

	old := MaxLineSize
	MaxLineSize = 4
	defer func() { MaxLineSize = old }()
	_, err = ReadLine(bytes.NewReader([]byte("toolong\n")))
	assert.ErrorIs(t, err, ErrLineTooLong)
}
