package generator

import (
	"fmt"
	"regexp"
	"strings"

	"snapcode/internal/errs"
)

const fence = "```"

// fencedBlock matches one closed block with an optional language tag.
var fencedBlock = regexp.MustCompile("(?s)```[ \\t]*[\\w.+#-]*[ \\t]*\\r?\\n(.*?)```")

// fenceTag is the language tag left on an opening fence line.
var fenceTag = regexp.MustCompile(`^[ \t]*[\w.+#-]*[ \t]*`)

// Markers locating where code begins in unfenced output that echoes the
// instruction first. Tags may start mid-line; keywords only count at the
// start of a line.
var (
	tagStart     = regexp.MustCompile(`(?i)<!doctype|<html|<template>|<script`)
	keywordStart = regexp.MustCompile(`(?m)^[ \t]*(?:import\b|export\s+default\b|function\b|const\b|'use client'|"use client"|HTML:)`)
)

// ExtractCode turns raw model output into file content. It returns
// ErrMultiFileResponse when the reply holds more than one fenced block and
// ErrEmptyModelOutput when nothing usable remains.
func ExtractCode(raw string) (string, error) {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))

	var code string
	switch blocks := fencedBlock.FindAllStringSubmatch(text, -1); {
	case len(blocks) > 1:
		return "", fmt.Errorf("%w: %d code blocks", errs.ErrMultiFileResponse, len(blocks))
	case len(blocks) == 1:
		code = blocks[0][1]
	case strings.Contains(text, fence):
		code = stripOpenFence(text)
	default:
		code = cutToCode(text)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return "", errs.ErrEmptyModelOutput
	}
	return code + "\n", nil
}

// stripOpenFence drops the text before a fence that has no proper pair,
// the language tag after it and a trailing fence. Code written on the fence
// line itself is kept.
func stripOpenFence(text string) string {
	_, rest, _ := strings.Cut(text, fence)
	line, body, hasBody := strings.Cut(rest, "\n")
	code := strings.TrimSpace(fenceTag.ReplaceAllString(line, ""))
	if hasBody {
		code += "\n" + body
	}
	code = strings.TrimSpace(code)
	return strings.TrimSpace(strings.TrimSuffix(code, fence))
}

func cutToCode(text string) string {
	start := len(text)
	if loc := tagStart.FindStringIndex(text); loc != nil {
		start = loc[0]
	}
	if loc := keywordStart.FindStringIndex(text); loc != nil && loc[0] < start {
		start = loc[0]
	}
	if start < len(text) {
		text = strings.TrimSpace(text[start:])
	}
	return strings.TrimPrefix(text, "HTML:")
}
