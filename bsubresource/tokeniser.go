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
	"errors"
	"io"

	"vimagination.zapto.org/parser"
)

const (
	whitespace = " \t\n\r"
	letter     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz_"
	digit      = "0123456789"
)

const (
	tokenWhitespace parser.TokenType = iota
	tokenWord
	tokenNumber
	tokenString
	tokenOperator
)

var (
	errInvalidOperator     = errors.New("invalid operator")
	errInvalidGroupClosing = errors.New("invalid group closing")
)

// tokenise splits a requirements string into tokens, checking that every
// bracket, paren and brace is closed in the right order.
func tokenise(s string) ([]parser.Token, error) {
	t := parser.NewStringTokeniser(s)
	t.TokeniserState(new(state).main)

	var tokens []parser.Token

	for {
		tk, err := t.GetToken()

		switch tk.Type {
		case parser.TokenDone:
			return tokens, nil
		case parser.TokenError:
			return nil, err
		}

		tokens = append(tokens, tk)
	}
}

// state tracks the groupings we're inside of, holding the closing character
// expected for each.
type state struct {
	depth []rune
}

func (s *state) main(t *parser.Tokeniser) (parser.Token, parser.TokenFunc) {
	if t.Peek() == -1 {
		if len(s.depth) > 0 {
			return t.ReturnError(io.ErrUnexpectedEOF)
		}

		return t.Done()
	}

	if t.Accept(whitespace) {
		t.AcceptRun(whitespace)

		return t.Return(tokenWhitespace, s.main)
	}

	if t.Accept(letter) {
		t.AcceptRun(letter + digit)

		return t.Return(tokenWord, s.main)
	}

	if t.Accept(digit) {
		return s.number(t)
	}

	c := t.Next()
	if c == '"' || c == '\'' {
		return s.quoted(t, c)
	}

	return s.operator(t, c)
}

// number accepts integers and decimals, with an optional unit suffix like MB.
func (s *state) number(t *parser.Tokeniser) (parser.Token, parser.TokenFunc) {
	t.AcceptRun(digit)

	if t.Accept(".") {
		t.AcceptRun(digit)
	}

	t.AcceptRun(letter)

	return t.Return(tokenNumber, s.main)
}

func (s *state) operator(t *parser.Tokeniser, c rune) (parser.Token, parser.TokenFunc) { //nolint:gocyclo,cyclop
	switch c {
	case '[':
		s.depth = append(s.depth, ']')
	case '(':
		s.depth = append(s.depth, ')')
	case '{':
		s.depth = append(s.depth, '}')
	case ']', ')', '}':
		if l := len(s.depth); l == 0 || s.depth[l-1] != c {
			return t.ReturnError(errInvalidGroupClosing)
		}

		s.depth = s.depth[:len(s.depth)-1]
	case '!':
		// a lone ! is a value, as in span[gtile=!]
		if !t.Accept("=") {
			return t.Return(tokenWord, s.main)
		}
	case ':', ',', '/', '+', '*', '@':
	case '=', '>', '<':
		t.Accept("=")
	case '&', '|':
		if !t.Accept(string(c)) {
			return t.ReturnError(errInvalidOperator)
		}
	default:
		return t.ReturnError(errInvalidOperator)
	}

	return t.Return(tokenOperator, s.main)
}

// quoted accepts a string in the given quotes, allowing backslash escapes.
func (s *state) quoted(t *parser.Tokeniser, quote rune) (parser.Token, parser.TokenFunc) {
	for {
		switch t.ExceptRun("\\" + string(quote)) {
		case '\\':
			t.Next()
			t.Next()
		case quote:
			t.Next()

			return t.Return(tokenString, s.main)
		default:
			return t.ReturnError(io.ErrUnexpectedEOF)
		}
	}
}
