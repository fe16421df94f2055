// Package compiler turns TypeScript function sources into CommonJS
// JavaScript plus a source map.
package compiler

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
)

// Output is the result of one compilation
type Output struct {
	Code      []byte
	SourceMap []byte
}

// ESBuild transpiles with esbuild's transform API. No type checking is done,
// the same as a plain transpile-only build.
type ESBuild struct {
	Target api.Target
}

// New returns a compiler emitting ES2017, which keeps async functions native
func New() *ESBuild {
	return &ESBuild{Target: api.ES2017}
}

// Compile transpiles source. fileName is recorded in the source map.
func (c *ESBuild) Compile(source, fileName string) (*Output, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:     api.LoaderTS,
		Format:     api.FormatCommonJS,
		Target:     c.Target,
		Sourcemap:  api.SourceMapExternal,
		Sourcefile: fileName,
	})

	if len(result.Errors) > 0 {
		log.Debug().
			Str("file", fileName).
			Int("errors", len(result.Errors)).
			Msg("TypeScript compilation failed")
		return nil, fmt.Errorf("failed to compile %s: %s", fileName, formatMessages(result.Errors))
	}

	return &Output{Code: result.Code, SourceMap: result.Map}, nil
}

func formatMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%d:%d: %s", m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "; ")
}
