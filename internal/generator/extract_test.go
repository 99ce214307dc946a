package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapcode/internal/errs"
	"snapcode/internal/framework"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{
			name: "single fenced block",
			raw:  "Sure!\n```html\n<div>x</div>\n```\nDone.",
			want: "<div>x</div>\n",
		},
		{
			name: "fence without language",
			raw:  "```\nconst a = 1\n```",
			want: "const a = 1\n",
		},
		{
			name: "unclosed fence",
			raw:  "```jsx\nexport default function App() {}\n",
			want: "export default function App() {}\n",
		},
		{
			name:    "two blocks",
			raw:     "```html\n<a/>\n```\n```css\na{}\n```",
			wantErr: errs.ErrMultiFileResponse,
		},
		{
			name: "echoed instruction then doctype",
			raw:  "Generate semantic HTML with Bootstrap classes.\n<!DOCTYPE html>\n<html></html>",
			want: "<!DOCTYPE html>\n<html></html>\n",
		},
		{
			name: "html label",
			raw:  "HTML:\n<section>hi</section>",
			want: "<section>hi</section>\n",
		},
		{
			name: "vue template",
			raw:  "Here it is <template><div/></template>",
			want: "<template><div/></template>\n",
		},
		{
			name: "plain code",
			raw:  "<p>only</p>",
			want: "<p>only</p>\n",
		},
		{
			name: "windows newlines",
			raw:  "```html\r\n<b>x</b>\r\n```",
			want: "<b>x</b>\n",
		},
		{
			name: "space before language tag",
			raw:  "Here you go:\n``` html\n<div>hi</div>\n```",
			want: "<div>hi</div>\n",
		},
		{
			name: "code on the fence line",
			raw:  "```html <div>x</div>\n```",
			want: "<div>x</div>\n",
		},
		{
			name: "closing fence on the code line",
			raw:  "```vue\n<template><p/></template>```",
			want: "<template><p/></template>\n",
		},
		{
			name: "keywords inside prose are not code",
			raw:  "Use a constant color and a functional layout.\nconst App = () => null",
			want: "const App = () => null\n",
		},
		{
			name: "indented keyword at line start",
			raw:  "The component follows.\n  export default function App() {}",
			want: "export default function App() {}\n",
		},
		{name: "empty", raw: "   \n ", wantErr: errs.ErrEmptyModelOutput},
		{name: "empty block", raw: "```html\n\n```", wantErr: errs.ErrEmptyModelOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractCode(tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	base := framework.Vue.Profile().Instruction
	assert.Equal(t, base, BuildPrompt(framework.Vue, "  "))
	assert.Equal(t, base+" Additional requirements: rounded cards", BuildPrompt(framework.Vue, "rounded cards"))
}

func TestNormalizeImage(t *testing.T) {
	p := pngBytes(t)
	got, err := NormalizeImage(p)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = NormalizeImage(nil)
	require.ErrorIs(t, err, errs.ErrInvalidImage)

	_, err = NormalizeImage([]byte("GIF89a-truncated"))
	require.ErrorIs(t, err, errs.ErrInvalidImage)
}
