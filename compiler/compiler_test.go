package compiler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileTypeScript(t *testing.T) {
	src := `
interface Req { params: { name: string } }
export default async (req: Req) => ({ statusCode: 200, headers: {}, body: "hi " + req.params.name });
`
	out, err := New().Compile(src, "index.ts")
	require.NoError(t, err)

	code := string(out.Code)
	assert.NotContains(t, code, "interface Req")
	assert.Contains(t, code, "module.exports")
	assert.Contains(t, code, "async")

	var sourceMap struct {
		Version int      `json:"version"`
		Sources []string `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(out.SourceMap, &sourceMap))
	assert.Equal(t, 3, sourceMap.Version)
	assert.Contains(t, sourceMap.Sources, "index.ts")
}

func TestCompileSyntaxError(t *testing.T) {
	_, err := New().Compile("export default (req => {", "index.ts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.ts")
}
