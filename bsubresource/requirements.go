// Copyright © 2025, 2026 Genome Research Limited
// Author: Michael Woolnough <mw31@sanger.ac.uk>
//
//  This file is part of jobdriver.
//
//  jobdriver is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  jobdriver is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with jobdriver. If not, see <http://www.gnu.org/licenses/>.


package bsubresource

import (
	"strings"

	"vimagination.zapto.org/parser"
)

const selectSection = "select"

// section is one part of a requirements string: either a named section like
// rusage[mem=1], or a bare expression like "mem > 100", which LSF treats as a
// select.
type section struct {
	Name string         // empty for a bare expression
	Body []parser.Token // within the brackets, or the whole bare expression
}

// Requirements represents a parsed bsub requirements string.
type Requirements struct {
	Sections []section
}

// parse splits already validated tokens into sections. Whitespace between
// sections is dropped.
func (r *Requirements) parse(tokens []parser.Token) {
	for i := 0; i < len(tokens); {
		if tokens[i].Type == tokenWhitespace {
			i++

			continue
		}

		if open, ok := sectionStart(tokens, i); ok {
			end := closing(tokens, open)
			r.Sections = append(r.Sections, section{Name: tokens[i].Data, Body: tokens[open+1 : end]})
			i = end + 1

			continue
		}

		start := i
		depth := 0

		for ; i < len(tokens); i++ {
			if depth == 0 {
				if _, ok := sectionStart(tokens, i); ok {
					break
				}
			}

			depth += nesting(tokens[i])
		}

		r.Sections = append(r.Sections, section{Body: trim(tokens[start:i])})
	}
}

// sectionStart tells you if tokens[i] is the name of a section, returning the
// index of its opening bracket.
func sectionStart(tokens []parser.Token, i int) (int, bool) {
	if tokens[i].Type != tokenWord {
		return 0, false
	}

	for j := i + 1; j < len(tokens); j++ {
		switch {
		case tokens[j].Type == tokenWhitespace:
			continue
		case isOperator(tokens[j], "["):
			return j, true
		}

		break
	}

	return 0, false
}

// closing returns the index of the token that closes the grouping opened at
// tokens[open].
func closing(tokens []parser.Token, open int) int {
	depth := 0

	for i := open; i < len(tokens); i++ {
		depth += nesting(tokens[i])
		if depth == 0 {
			return i
		}
	}

	return len(tokens) - 1
}

// nesting is 1 for tokens that open a grouping, -1 for those that close one.
func nesting(tk parser.Token) int {
	if tk.Type != tokenOperator {
		return 0
	}

	switch tk.Data {
	case "[", "(", "{":
		return 1
	case "]", ")", "}":
		return -1
	}

	return 0
}

func isOperator(tk parser.Token, data string) bool {
	return tk.Type == tokenOperator && tk.Data == data
}

// trim removes leading and trailing whitespace tokens.
func trim(tokens []parser.Token) []parser.Token {
	for len(tokens) > 0 && tokens[0].Type == tokenWhitespace {
		tokens = tokens[1:]
	}

	for len(tokens) > 0 && tokens[len(tokens)-1].Type == tokenWhitespace {
		tokens = tokens[:len(tokens)-1]
	}

	return tokens
}

// selectBody returns the section that hosts should be excluded in: a leading
// bare expression, unless it is a compound {...} requirement, otherwise the
// first select section. Returns nil if there is neither.
func (r *Requirements) selectBody() *section {
	if len(r.Sections) > 0 && r.Sections[0].Name == "" && !compound(r.Sections[0].Body) {
		return &r.Sections[0]
	}

	for i := range r.Sections {
		if r.Sections[i].Name == selectSection {
			return &r.Sections[i]
		}
	}

	return nil
}

// compound tells you if the expression has a top-level {...} grouping.
func compound(tokens []parser.Token) bool {
	depth := 0

	for _, tk := range tokens {
		if depth == 0 && isOperator(tk, "{") {
			return true
		}

		depth += nesting(tk)
	}

	return false
}

func (s *section) toString(sb *strings.Builder) {
	if s.Name != "" {
		sb.WriteString(s.Name)
		sb.WriteString("[")
	}

	for _, tk := range s.Body {
		sb.WriteString(tk.Data)
	}

	if s.Name != "" {
		sb.WriteString("]")
	}
}

// String gives the requirements as a string suitable for bsub -R, with single
// spaces between the sections.
func (r *Requirements) String() string {
	var sb strings.Builder

	for i := range r.Sections {
		if i > 0 {
			sb.WriteString(" ")
		}

		r.Sections[i].toString(&sb)
	}

	return sb.String()
}
