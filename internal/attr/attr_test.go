package attr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSetGet(t *testing.T) {
	var r Record
	r.Set("copies", "3")
	r.Set("logname", "alice")
	r.Set("copies", "4")

	v, ok := r.Get("copies")
	assert.True(t, ok)
	assert.Equal(t, "4", v)
	assert.Equal(t, []string{"copies", "logname"}, r.Keys())
	assert.Equal(t, int64(4), r.GetInt("copies"))

	_, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, int64(0), r.GetInt("missing"))
	assert.Equal(t, int64(0), r.GetInt("logname"))
}

func TestRecordSetIntAndBool(t *testing.T) {
	r := New()
	r.SetInt("done_time", 1700000000)
	r.SetBool("hold_all", true)
	assert.Equal(t, "1700000000", r.Value("done_time"))
	assert.True(t, r.GetBool("hold_all"))
	r.SetBool("hold_all", false)
	assert.False(t, r.GetBool("hold_all"))
}

func TestRecordMerge(t *testing.T) {
	a := New()
	a.Set("x", "1")
	a.Set("y", "2")
	b := New()
	b.Set("y", "20")
	b.Set("z", "30")

	keep := a.Clone()
	keep.Merge(b, false)
	assert.Equal(t, "2", keep.Value("y"))
	assert.Equal(t, "30", keep.Value("z"))

	a.Merge(b, true)
	assert.Equal(t, "20", a.Value("y"))
	assert.Equal(t, []string{"x", "y", "z"}, a.Keys())
}

func TestRecordDeleteAndClear(t *testing.T) {
	r := New()
	r.Set("a", "1")
	r.Set("b", "2")
	r.Set("c", "3")
	r.Delete("b")
	r.Delete("nope")
	assert.Equal(t, []string{"a", "c"}, r.Keys())
	r.Clear()
	assert.Equal(t, 0, r.Len())
}

func TestRecordSubAndEmbed(t *testing.T) {
	r := New()
	r.Set("identifier", "alice@host+1")
	r.Set("dest.0.dest", "lp1")
	r.Set("dest.0.copies", "2")
	r.Set("dest.1.dest", "lp2")

	d0 := r.Sub("dest.0.")
	assert.Equal(t, []string{"dest", "copies"}, d0.Keys())

	r.DeletePrefix("dest.")
	assert.Equal(t, []string{"identifier"}, r.Keys())

	r.Embed("dest.0.", d0)
	assert.Equal(t, "lp1", r.Value("dest.0.dest"))
}

func TestCloneIsIndependent(t *testing.T) {
	r := New()
	r.Set("a", "1")
	c := r.Clone()
	c.Set("a", "2")
	assert.Equal(t, "1", r.Value("a"))
}

func TestEncodeDecode(t *testing.T) {
	r := New()
	r.Set("error", "line one\nline two \\ end")
	r.Set("copies", "1")

	var sb strings.Builder
	require.NoError(t, r.Encode(&sb))
	assert.Equal(t, "error=line one\\nline two \\\\ end\ncopies=1\n", sb.String())

	back, err := Decode(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, r.Keys(), back.Keys())
	assert.Equal(t, r.Value("error"), back.Value("error"))
}

func TestDecodeSkipsCommentsAndBlankLines(t *testing.T) {
	in := "# header\n\nprinting_disabled=1\nmsg=a=b\n"
	r, err := Decode(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, "1", r.Value("printing_disabled"))
	assert.Equal(t, "a=b", r.Value("msg"))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(strings.NewReader("copies=1\ngarbage\n"))
	require.Error(t, err)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Line)
	assert.Equal(t, "garbage", se.Text)
}
